package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixkwasisarpong/sentinel/internal/audit"
	"github.com/felixkwasisarpong/sentinel/internal/backend"
	"github.com/felixkwasisarpong/sentinel/internal/citation"
	"github.com/felixkwasisarpong/sentinel/internal/metrics"
	"github.com/felixkwasisarpong/sentinel/internal/policy"
	"github.com/felixkwasisarpong/sentinel/internal/redact"
	"github.com/felixkwasisarpong/sentinel/pkg/sentinel"
)

// stubBackend records calls and returns a fixed result or error.
type stubBackend struct {
	calls  int
	result json.RawMessage
	err    error
}

func (s *stubBackend) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubBackend) ListTools(ctx context.Context) ([]backend.ToolContract, error) { return nil, nil }
func (s *stubBackend) Close() error                                                  { return nil }

func newTestPipeline(t *testing.T, fsBackend backend.Backend) (*Pipeline, *stubBackend) {
	t.Helper()

	store, err := audit.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := backend.NewRegistry()
	stub, ok := fsBackend.(*stubBackend)
	if !ok {
		stub = &stubBackend{}
		fsBackend = stub
	}
	if err := registry.Register("fs", "fs.", fsBackend); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p := New(
		store,
		redact.New(redact.Config{}),
		policy.New("/sandbox", nil),
		citation.New(context.Background(), citation.Config{}),
		registry,
		metrics.NewWithRegisterer(prometheus.NewRegistry()),
	)
	return p, stub
}

func TestProposeAllowExecutesImmediately(t *testing.T) {
	ctx := context.Background()
	stub := &stubBackend{result: json.RawMessage(`{"ok":true}`)}
	p, stub := newTestPipeline(t, stub)

	decision, err := p.Propose(ctx, "run-1", "fs.read_file", map[string]any{"path": "/sandbox/a.txt"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if decision.Verdict != sentinel.VerdictAllow {
		t.Errorf("expected ALLOW, got %v", decision.Verdict)
	}
	if decision.Status != sentinel.StatusExecuted {
		t.Errorf("expected EXECUTED, got %v", decision.Status)
	}
	if stub.calls != 1 {
		t.Errorf("expected exactly one backend call, got %d", stub.calls)
	}
}

func TestProposeBlockNeverExecutes(t *testing.T) {
	ctx := context.Background()
	p, stub := newTestPipeline(t, nil)

	decision, err := p.Propose(ctx, "run-1", "fs.read_file", map[string]any{"path": "/etc/passwd"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if decision.Verdict != sentinel.VerdictBlock {
		t.Errorf("expected BLOCK, got %v", decision.Verdict)
	}
	if decision.Status != sentinel.StatusBlocked {
		t.Errorf("expected BLOCKED, got %v", decision.Status)
	}
	if stub.calls != 0 {
		t.Errorf("expected no backend calls for a blocked tool call, got %d", stub.calls)
	}
}

func TestProposeAllowBackendFailureRecordsBlockNotAllow(t *testing.T) {
	ctx := context.Background()
	stub := &stubBackend{err: errors.New("dial tcp: i/o timeout")}
	p, stub := newTestPipeline(t, stub)

	decision, err := p.Propose(ctx, "run-1", "fs.read_file", map[string]any{"path": "/sandbox/a.txt"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if decision.Verdict != sentinel.VerdictBlock {
		t.Errorf("expected BLOCK after a failed execution, got %v", decision.Verdict)
	}
	if decision.Status == sentinel.StatusExecuted {
		t.Error("expected a non-EXECUTED status after a failed execution")
	}
	if !strings.Contains(decision.Reason, "i/o timeout") {
		t.Errorf("expected reason to carry the backend error text, got %q", decision.Reason)
	}
	if stub.calls != 1 {
		t.Errorf("expected exactly one backend call, got %d", stub.calls)
	}

	latest, err := p.store.LatestDecision(ctx, decision.ToolCallID)
	if err != nil {
		t.Fatalf("LatestDecision: %v", err)
	}
	if latest.Verdict != string(sentinel.VerdictBlock) {
		t.Errorf("expected the audit store's latest decision to be BLOCK, got %v", latest.Verdict)
	}
}

func TestApprovalFlowExecutesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	stub := &stubBackend{result: json.RawMessage(`{"written":true}`)}
	p, stub := newTestPipeline(t, stub)

	proposed, err := p.Propose(ctx, "run-1", "fs.write_file", map[string]any{"path": "note.txt", "content": "hi"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if proposed.Verdict != sentinel.VerdictApprovalRequired || proposed.Status != sentinel.StatusPending {
		t.Fatalf("expected APPROVAL_REQUIRED/PENDING, got %v/%v", proposed.Verdict, proposed.Status)
	}
	if stub.calls != 0 {
		t.Fatalf("expected no execution before approval, got %d calls", stub.calls)
	}

	approved, err := p.Approve(ctx, proposed.ToolCallID, "reviewer@example.com", "looks fine")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != sentinel.StatusExecuted {
		t.Errorf("expected EXECUTED after approval, got %v", approved.Status)
	}
	if stub.calls != 1 {
		t.Errorf("expected exactly one execution after approval, got %d", stub.calls)
	}
	if approved.Verdict != sentinel.VerdictAllow {
		t.Errorf("expected ALLOW after approval, got %v", approved.Verdict)
	}

	latest, err := p.store.LatestDecision(ctx, proposed.ToolCallID)
	if err != nil {
		t.Fatalf("LatestDecision: %v", err)
	}
	if latest.Verdict != string(sentinel.VerdictAllow) {
		t.Errorf("expected the audit store's latest decision to be ALLOW after approval, got %v", latest.Verdict)
	}

	if _, err := p.Approve(ctx, proposed.ToolCallID, "reviewer@example.com", "again"); err != ErrNotAwaitingApproval {
		t.Errorf("expected ErrNotAwaitingApproval on double-approve, got %v", err)
	}
}

func TestDenyNeverExecutes(t *testing.T) {
	ctx := context.Background()
	p, stub := newTestPipeline(t, nil)

	proposed, err := p.Propose(ctx, "run-1", "fs.write_file", map[string]any{"path": "note.txt"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	denied, err := p.Deny(ctx, proposed.ToolCallID, "reviewer@example.com", "not needed")
	if err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if denied.Status != sentinel.StatusDenied {
		t.Errorf("expected DENIED, got %v", denied.Status)
	}
	if stub.calls != 0 {
		t.Errorf("expected deny to never execute, got %d calls", stub.calls)
	}
}

func TestApprovalReplaysRedactedArgsNotRaw(t *testing.T) {
	ctx := context.Background()
	var seenArgs json.RawMessage
	capturing := &capturingBackend{onCall: func(args json.RawMessage) { seenArgs = args }}
	p, _ := newTestPipeline(t, nil)
	// Swap in the capturing backend directly since newTestPipeline always
	// wraps a *stubBackend.
	registry := backend.NewRegistry()
	if err := registry.Register("fs", "fs.", capturing); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p.backends = registry

	proposed, err := p.Propose(ctx, "run-1", "fs.write_file", map[string]any{"path": "note.txt", "password": "hunter2"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if _, err := p.Approve(ctx, proposed.ToolCallID, "reviewer", "ok"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	var args map[string]any
	if err := json.Unmarshal(seenArgs, &args); err != nil {
		t.Fatalf("unmarshal captured args: %v", err)
	}
	if args["password"] != redact.Mask {
		t.Errorf("expected approval to replay redacted args, got password=%v", args["password"])
	}
}

type capturingBackend struct {
	onCall func(args json.RawMessage)
}

func (c *capturingBackend) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	c.onCall(args)
	return json.RawMessage(`{}`), nil
}

func (c *capturingBackend) ListTools(ctx context.Context) ([]backend.ToolContract, error) {
	return nil, nil
}

func (c *capturingBackend) Close() error { return nil }
