package audit

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunToolCallDecisionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run, err := store.CreateRun(ctx, "orchestrator-1", "agent-1")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == "" {
		t.Fatalf("expected non-empty run ID")
	}

	args, _ := json.Marshal(map[string]any{"path": "/sandbox/x"})
	tc, err := store.CreateToolCall(ctx, run.ID, "fs.read_file", args)
	if err != nil {
		t.Fatalf("CreateToolCall: %v", err)
	}
	if tc.Status != StatusPending {
		t.Errorf("expected new tool call to start PENDING, got %v", tc.Status)
	}

	decision, err := store.PersistDecision(ctx, &Decision{
		ToolCallID: tc.ID,
		Verdict:    "ALLOW",
		Reason:     "File read allowed",
		RiskScore:  0,
	})
	if err != nil {
		t.Fatalf("PersistDecision: %v", err)
	}
	if decision.ID == "" {
		t.Fatalf("expected decision to get an ID")
	}

	latest, err := store.LatestDecision(ctx, tc.ID)
	if err != nil {
		t.Fatalf("LatestDecision: %v", err)
	}
	if latest.Verdict != "ALLOW" {
		t.Errorf("LatestDecision verdict = %q, want ALLOW", latest.Verdict)
	}

	if err := store.UpdateToolCallStatus(ctx, tc.ID, StatusExecuted); err != nil {
		t.Fatalf("UpdateToolCallStatus: %v", err)
	}
	reloaded, err := store.GetToolCall(ctx, tc.ID)
	if err != nil {
		t.Fatalf("GetToolCall: %v", err)
	}
	if reloaded.Status != StatusExecuted {
		t.Errorf("expected status EXECUTED, got %v", reloaded.Status)
	}
}

func TestLatestDecisionIsMostRecentByCreation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run, _ := store.CreateRun(ctx, "o", "a")
	tc, _ := store.CreateToolCall(ctx, run.ID, "fs.write_file", json.RawMessage(`{}`))

	store.PersistDecision(ctx, &Decision{ToolCallID: tc.ID, Verdict: "APPROVAL_REQUIRED", Reason: "first"})
	store.PersistDecision(ctx, &Decision{ToolCallID: tc.ID, Verdict: "ALLOW", Reason: "second"})

	latest, err := store.LatestDecision(ctx, tc.ID)
	if err != nil {
		t.Fatalf("LatestDecision: %v", err)
	}
	if latest.Reason != "second" {
		t.Errorf("expected latest decision to be the most recently persisted one, got %q", latest.Reason)
	}
}

func TestServerRegistrationRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	reg, err := store.RegisterServer(ctx, &ServerRegistration{
		Name: "fs", Prefix: "fs.", Kind: "http", BaseAddress: "http://localhost:7001/tools",
	})
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if reg.ID == "" {
		t.Fatalf("expected registration to get an ID")
	}

	servers, err := store.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Prefix != "fs." {
		t.Fatalf("expected one server with prefix fs., got %+v", servers)
	}

	if err := store.DeregisterServer(ctx, "fs"); err != nil {
		t.Fatalf("DeregisterServer: %v", err)
	}
	servers, _ = store.ListServers(ctx)
	if len(servers) != 0 {
		t.Errorf("expected no servers after deregistration, got %d", len(servers))
	}
}

func TestListRunsAndGetRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run, err := store.CreateRun(ctx, "orchestrator-1", "agent-1")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("expected one run matching %q, got %+v", run.ID, runs)
	}

	fetched, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if fetched.Orchestrator != "orchestrator-1" {
		t.Errorf("GetRun orchestrator = %q, want orchestrator-1", fetched.Orchestrator)
	}

	if _, err := store.GetRun(ctx, "missing"); err == nil {
		t.Fatal("expected an error for a missing run")
	}
}

func TestGetRunIncludesToolCallsWithLatestDecision(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run, err := store.CreateRun(ctx, "orchestrator-1", "agent-1")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	tc, err := store.CreateToolCall(ctx, run.ID, "fs.write_file", json.RawMessage(`{"path":"note.txt"}`))
	if err != nil {
		t.Fatalf("CreateToolCall: %v", err)
	}
	if _, err := store.PersistDecision(ctx, &Decision{ToolCallID: tc.ID, Verdict: "APPROVAL_REQUIRED", Reason: "Write requires approval", RiskScore: 0.7}); err != nil {
		t.Fatalf("PersistDecision (initial): %v", err)
	}
	if err := store.RecordApproval(ctx, tc.ID, "tester", "ok"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	if err := store.RecordResult(ctx, tc.ID, StatusExecuted, json.RawMessage(`{"written":true}`)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if _, err := store.PersistDecision(ctx, &Decision{ToolCallID: tc.ID, Verdict: "ALLOW", Reason: "Approved", RiskScore: 0}); err != nil {
		t.Fatalf("PersistDecision (post-approval): %v", err)
	}

	detail, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(detail.ToolCalls) != 1 {
		t.Fatalf("expected one tool call under the run, got %d", len(detail.ToolCalls))
	}
	got := detail.ToolCalls[0]
	if got.ApprovedBy != "tester" {
		t.Errorf("ApprovedBy = %q, want tester", got.ApprovedBy)
	}
	if string(got.Result) != `{"written":true}` {
		t.Errorf("Result = %s, want {\"written\":true}", got.Result)
	}
	if got.LatestDecision == nil || got.LatestDecision.Verdict != "ALLOW" {
		t.Errorf("LatestDecision = %+v, want verdict ALLOW", got.LatestDecision)
	}
}

func TestListPendingApprovalsOnlyReturnsPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run, _ := store.CreateRun(ctx, "o", "a")
	pending, _ := store.CreateToolCall(ctx, run.ID, "fs.write_file", json.RawMessage(`{}`))
	executed, _ := store.CreateToolCall(ctx, run.ID, "fs.read_file", json.RawMessage(`{}`))
	if err := store.UpdateToolCallStatus(ctx, executed.ID, StatusExecuted); err != nil {
		t.Fatalf("UpdateToolCallStatus: %v", err)
	}

	approvals, err := store.ListPendingApprovals(ctx)
	if err != nil {
		t.Fatalf("ListPendingApprovals: %v", err)
	}
	if len(approvals) != 1 || approvals[0].ID != pending.ID {
		t.Fatalf("expected only the pending tool call, got %+v", approvals)
	}
}

func TestListDecisionsReturnsFullHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run, _ := store.CreateRun(ctx, "o", "a")
	tc, _ := store.CreateToolCall(ctx, run.ID, "fs.write_file", json.RawMessage(`{}`))

	store.PersistDecision(ctx, &Decision{ToolCallID: tc.ID, Verdict: "APPROVAL_REQUIRED", Reason: "first"})
	store.PersistDecision(ctx, &Decision{ToolCallID: tc.ID, Verdict: "ALLOW", Reason: "second"})

	decisions, err := store.ListDecisions(ctx, tc.ID)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions in history, got %d", len(decisions))
	}
	if decisions[0].Reason != "first" || decisions[1].Reason != "second" {
		t.Fatalf("expected decisions ordered oldest first, got %+v", decisions)
	}
}

func TestReplaceCatalogIsAtomicAndWholesale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.ReplaceCatalog(ctx, "docs", []CatalogTool{
		{ServerName: "docs", Name: "docs.search", Description: "v1"},
	}); err != nil {
		t.Fatalf("ReplaceCatalog: %v", err)
	}

	if err := store.ReplaceCatalog(ctx, "docs", []CatalogTool{
		{ServerName: "docs", Name: "docs.search", Description: "v2"},
		{ServerName: "docs", Name: "docs.fetch", Description: "new"},
	}); err != nil {
		t.Fatalf("ReplaceCatalog (resync): %v", err)
	}

	catalog, err := store.ListCatalog(ctx, "docs")
	if err != nil {
		t.Fatalf("ListCatalog: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected the resync to wholly replace the catalog, got %+v", catalog)
	}
	for _, tool := range catalog {
		if tool.Name == "docs.search" && tool.Description != "v2" {
			t.Errorf("expected docs.search to reflect the new sync, got %q", tool.Description)
		}
	}
}

func TestGetToolCallNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetToolCall(ctx, "does-not-exist")
	if err == nil {
		t.Fatalf("expected an error for a missing tool call")
	}
}
