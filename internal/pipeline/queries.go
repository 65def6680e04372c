package pipeline

import (
	"context"

	"github.com/felixkwasisarpong/sentinel/internal/audit"
)

// Runs lists all recorded runs, most recent first.
func (p *Pipeline) Runs(ctx context.Context) ([]audit.Run, error) {
	return p.store.ListRuns(ctx)
}

// Run returns one run by id, together with every tool call proposed
// within it and each call's latest decision.
func (p *Pipeline) Run(ctx context.Context, id string) (*audit.RunDetail, error) {
	return p.store.GetRun(ctx, id)
}

// Decisions lists every decision recorded against a tool call, oldest
// first — the full append-only history, not just the latest.
func (p *Pipeline) Decisions(ctx context.Context, toolCallID string) ([]audit.Decision, error) {
	return p.store.ListDecisions(ctx, toolCallID)
}

// PendingApprovals lists tool calls currently awaiting approval.
func (p *Pipeline) PendingApprovals(ctx context.Context) ([]audit.ToolCall, error) {
	return p.store.ListPendingApprovals(ctx)
}

// Servers lists registered tool servers.
func (p *Pipeline) Servers(ctx context.Context) ([]audit.ServerRegistration, error) {
	return p.store.ListServers(ctx)
}

// Catalog lists the last-synced tool catalog for one server.
func (p *Pipeline) Catalog(ctx context.Context, serverName string) ([]audit.CatalogTool, error) {
	return p.store.ListCatalog(ctx, serverName)
}
