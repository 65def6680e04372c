package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultStdioCallTimeout = 30 * time.Second
	maxDiscoveryPages       = 50
	// maxStderrLines bounds how much of the child's stderr is kept in
	// memory to surface in a timeout error; only the most recent lines
	// matter for diagnosing a wedged process.
	maxStderrLines = 20
)

// StdioConfig configures a StdioBackend.
type StdioConfig struct {
	Name        string
	Command     []string
	Env         map[string]string
	WorkDir     string
	CallTimeout time.Duration
	RateLimit   rate.Limit
	Burst       int
}

// StdioBackend runs a child process and speaks newline-delimited
// JSON-RPC 2.0 over its stdin/stdout, matching the MCP line protocol:
// initialize, notifications/initialized, then tools/call and
// tools/list. A single background goroutine reads stdout and
// dispatches responses to the call that is waiting for them.
type StdioBackend struct {
	name        string
	logger      *slog.Logger
	callTimeout time.Duration
	limiter     *rate.Limiter

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	stderr io.ReadCloser

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpcResponse
	nextID    atomic.Int64

	stderrMu    sync.Mutex
	stderrLines []string

	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewStdioBackend spawns cfg.Command and performs the MCP
// initialize/initialized handshake before returning.
func NewStdioBackend(ctx context.Context, cfg StdioConfig) (*StdioBackend, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("backend %s: command is required", cfg.Name)
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultStdioCallTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	b := &StdioBackend{
		name:        cfg.Name,
		logger:      slog.Default().With("component", "backend.stdio", "backend", cfg.Name),
		callTimeout: callTimeout,
		limiter:     rate.NewLimiter(limit, burst),
		pending:     make(map[int64]chan *jsonrpcResponse),
		stopCh:      make(chan struct{}),
	}

	b.cmd = exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	b.cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		b.cmd.Env = append(b.cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if cfg.WorkDir != "" {
		b.cmd.Dir = cfg.WorkDir
	}

	var err error
	b.stdin, err = b.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend %s: stdin pipe: %w", cfg.Name, err)
	}
	stdout, err := b.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend %s: stdout pipe: %w", cfg.Name, err)
	}
	b.stdout = bufio.NewScanner(stdout)
	b.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	b.stderr, _ = b.cmd.StderrPipe()

	if err := b.cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend %s: start process: %w", cfg.Name, err)
	}
	b.connected.Store(true)
	b.logger.Info("started tool server process", "pid", b.cmd.Process.Pid)

	b.wg.Add(1)
	go b.readLoop()
	if b.stderr != nil {
		b.wg.Add(1)
		go b.logStderr()
	}

	if err := b.handshake(ctx); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

func (b *StdioBackend) handshake(ctx context.Context) error {
	initParams, _ := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "sentinel", "version": "1.0.0"},
	})
	if _, err := b.call(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("backend %s: initialize: %w", b.name, err)
	}
	if err := b.notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("backend %s: notifications/initialized: %w", b.name, err)
	}
	return nil
}

// CallTool invokes tools/call with the given name and arguments.
func (b *StdioBackend) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Backend: b.name, Err: err}
	}

	params, err := json.Marshal(toolsCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal call params: %w", err)
	}

	result, err := b.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var parsed toolsCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		// Not every server wraps results in the content[] shape; pass
		// the raw result through unchanged.
		return result, nil
	}
	if parsed.IsError {
		detail := "tool call failed"
		if len(parsed.Content) > 0 {
			detail = parsed.Content[0].Text
		}
		return nil, &DomainError{Backend: b.name, Detail: detail}
	}
	return result, nil
}

// ListTools pages through tools/list until the server stops returning
// a cursor, deduplicating by tool name and capping at maxDiscoveryPages
// pages as a guard against a misbehaving server looping forever.
func (b *StdioBackend) ListTools(ctx context.Context) ([]ToolContract, error) {
	seen := map[string]bool{}
	var all []ToolContract
	cursor := ""

	for page := 0; page < maxDiscoveryPages; page++ {
		params, _ := json.Marshal(toolsListParams{Cursor: cursor})
		result, err := b.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var parsed toolsListResult
		if err := json.Unmarshal(result, &parsed); err != nil {
			return nil, fmt.Errorf("backend %s: decode tools/list: %w", b.name, err)
		}

		for _, tool := range parsed.Tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			all = append(all, tool)
		}

		if parsed.NextCursor == "" {
			break
		}
		cursor = parsed.NextCursor
	}

	return all, nil
}

// call sends a JSON-RPC request and blocks for its matching response.
func (b *StdioBackend) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !b.connected.Load() {
		return nil, &TransportError{Backend: b.name, Err: fmt.Errorf("not connected")}
	}

	id := b.nextID.Add(1)
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	respCh := make(chan *jsonrpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := b.stdin.Write(append(data, '\n')); err != nil {
		return nil, &TransportError{Backend: b.name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &DomainError{Backend: b.name, Detail: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		stderr := b.terminateAfterTimeout()
		err := ctx.Err()
		if stderr != "" {
			err = fmt.Errorf("%w: stderr: %s", err, stderr)
		}
		return nil, &TransportError{Backend: b.name, Err: err}
	case <-b.stopCh:
		return nil, &TransportError{Backend: b.name, Err: fmt.Errorf("backend closed")}
	}
}

func (b *StdioBackend) notify(ctx context.Context, method string, params json.RawMessage) error {
	notif := jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := b.stdin.Write(append(data, '\n')); err != nil {
		return &TransportError{Backend: b.name, Err: err}
	}
	return nil
}

func (b *StdioBackend) readLoop() {
	defer b.wg.Done()
	defer b.connected.Store(false)

	for b.stdout.Scan() {
		select {
		case <-b.stopCh:
			return
		default:
		}

		line := strings.TrimPrefix(b.stdout.Text(), "data: ")
		if line == "" {
			continue
		}
		b.processLine(line)
	}
	if err := b.stdout.Err(); err != nil {
		b.logger.Error("stdout scanner error", "error", err)
	}
}

func (b *StdioBackend) processLine(line string) {
	var resp jsonrpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		default:
			b.logger.Warn("unexpected response id type", "id", resp.ID)
			return
		}

		b.pendingMu.Lock()
		if ch, ok := b.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(b.pending, id)
		}
		b.pendingMu.Unlock()
	}
}

func (b *StdioBackend) logStderr() {
	defer b.wg.Done()
	scanner := bufio.NewScanner(b.stderr)
	for scanner.Scan() {
		select {
		case <-b.stopCh:
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		b.logger.Debug("server stderr", "message", line)

		b.stderrMu.Lock()
		b.stderrLines = append(b.stderrLines, line)
		if len(b.stderrLines) > maxStderrLines {
			b.stderrLines = b.stderrLines[len(b.stderrLines)-maxStderrLines:]
		}
		b.stderrMu.Unlock()
	}
}

// recentStderr returns the child's most recent stderr output, joined by
// newlines, for surfacing in a timeout error.
func (b *StdioBackend) recentStderr() string {
	b.stderrMu.Lock()
	defer b.stderrMu.Unlock()
	return strings.Join(b.stderrLines, "\n")
}

// terminateAfterTimeout kills the child process once a call's deadline
// elapses without a matching response: a stdio server that misses one
// deadline is treated as wedged for the whole connection, not just the
// one call, matching Close's own kill-on-shutdown behavior. Returns the
// stderr captured up to the point of termination.
func (b *StdioBackend) terminateAfterTimeout() string {
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	return b.recentStderr()
}

// Close shuts the backend down in order: stop accepting new work,
// close stdin so the child sees EOF, then kill if it hasn't exited.
func (b *StdioBackend) Close() error {
	b.connected.Store(false)
	close(b.stopCh)

	if b.stdin != nil {
		b.stdin.Close()
	}
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	b.wg.Wait()
	return nil
}
