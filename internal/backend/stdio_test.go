package backend

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// echoServerScript is a minimal JSON-RPC line-protocol stand-in: for
// every request line carrying an "id" it replies with a one-tool list
// for tools/list and an empty success result for anything else, and
// silently drops notifications (no id). Good
// enough to exercise the handshake, tools/call, and tools/list
// round trips without a real MCP server binary.
const echoServerScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    if echo "$line" | grep -q '"method":"tools/list"'; then
      echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"tools\":[{\"name\":\"read_file\"}]}}"
    else
      echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{}}"
    fi
  fi
done
`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestStdioBackendHandshakeAndCallTool(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewStdioBackend(ctx, StdioConfig{
		Name:    "docs",
		Command: []string{"sh", "-c", echoServerScript},
	})
	if err != nil {
		t.Fatalf("NewStdioBackend: %v", err)
	}
	defer b.Close()

	result, err := b.CallTool(ctx, "docs.search", json.RawMessage(`{"query":"x"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(result) != "{}" {
		t.Errorf("CallTool result = %s, want {}", result)
	}
}

func TestStdioBackendListTools(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewStdioBackend(ctx, StdioConfig{
		Name:    "docs",
		Command: []string{"sh", "-c", echoServerScript},
	})
	if err != nil {
		t.Fatalf("NewStdioBackend: %v", err)
	}
	defer b.Close()

	tools, err := b.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

// wedgedServerScript answers the initialize handshake normally but, on
// any later request, writes to stderr and then sleeps well past the
// test's call timeout without ever replying.
const wedgedServerScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if echo "$line" | grep -q '"method":"initialize"'; then
    echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{}}"
  else
    echo "wedged: out of memory handling request" >&2
    sleep 5
  fi
done
`

func TestStdioBackendCallTimeoutKillsProcessAndSurfacesStderr(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewStdioBackend(ctx, StdioConfig{
		Name:        "docs",
		Command:     []string{"sh", "-c", wedgedServerScript},
		CallTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewStdioBackend: %v", err)
	}
	defer b.Close()

	_, err = b.CallTool(ctx, "docs.search", json.RawMessage(`{"query":"x"}`))
	if err == nil {
		t.Fatal("expected CallTool to fail when the server never responds")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected a *TransportError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "out of memory handling request") {
		t.Errorf("expected the error to surface the child's stderr, got %q", err.Error())
	}

	waitErr := b.cmd.Wait()
	if waitErr == nil {
		t.Error("expected the wedged process to have been killed, but it exited cleanly")
	}
}

func TestNewStdioBackendRequiresCommand(t *testing.T) {
	if _, err := NewStdioBackend(context.Background(), StdioConfig{Name: "docs"}); err == nil {
		t.Fatal("expected an error when Command is empty")
	}
}
