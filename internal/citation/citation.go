// Package citation resolves policy, control, and incident references
// for a tool call against an optional Neo4j graph. It is deliberately
// best-effort: any connectivity or query failure degrades to empty
// results rather than surfacing an error, matching
// policy_graph.py's get_citations_for_decision.
package citation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/felixkwasisarpong/sentinel/internal/retry"
)

// Citations holds the three reference lists a Decision may attach.
type Citations struct {
	PolicyCitations []string
	IncidentRefs    []string
	ControlRefs     []string
}

// Resolver looks up citations for a tool call. A nil or disconnected
// Resolver (no URI configured) always returns empty Citations.
type Resolver struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// Config configures the Neo4j connection. An empty URI disables the
// resolver entirely.
type Config struct {
	URI      string
	Username string
	Password string
}

// New connects to Neo4j if cfg.URI is set, retrying the initial
// connection with internal/retry's exponential backoff. A disabled or
// unreachable graph is not a fatal error: New returns a Resolver whose
// Lookup degrades to empty results, logging the cause once.
func New(ctx context.Context, cfg Config) *Resolver {
	logger := slog.Default().With("component", "citation")
	if strings.TrimSpace(cfg.URI) == "" {
		return &Resolver{logger: logger}
	}

	var driver neo4j.DriverWithContext
	result := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Factor: 2, Jitter: true}, func() error {
		d, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
		if err != nil {
			return err
		}
		if err := d.VerifyConnectivity(ctx); err != nil {
			d.Close(ctx)
			return err
		}
		driver = d
		return nil
	})

	if result.Err != nil {
		logger.Warn("citation graph unavailable, degrading to empty citations", "error", result.Err)
		return &Resolver{logger: logger}
	}

	return &Resolver{driver: driver, logger: logger}
}

// Lookup returns citations for tool, optionally narrowed by path for
// filesystem tools. A failed policy lookup yields an empty Citations
// value; a failed control or incident lookup is logged and the lists
// already found are returned without it.
func (r *Resolver) Lookup(ctx context.Context, tool, path string) Citations {
	if r == nil || r.driver == nil {
		return Citations{}
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	policies, err := r.lookupPolicyIDs(ctx, session, tool)
	if err != nil {
		r.logger.Warn("policy citation lookup failed", "tool", tool, "error", err)
		return Citations{}
	}

	controls, err := r.lookupControlIDs(ctx, session, tool)
	if err != nil {
		r.logger.Warn("control citation lookup failed", "tool", tool, "error", err)
		return Citations{PolicyCitations: policies}
	}

	var incidents []string
	if isPathScopedTool(tool) && path != "" && !strings.HasPrefix(path, "/sandbox") {
		incidents, err = r.lookupIncidentRefs(ctx, session, tool)
		if err != nil {
			r.logger.Warn("incident citation lookup failed", "tool", tool, "error", err)
		}
	}

	return Citations{PolicyCitations: policies, ControlRefs: controls, IncidentRefs: incidents}
}

// isPathScopedTool mirrors policy_graph.py's fetch_policy_context:
// incident citations only apply to filesystem read/list tools, and
// only when the path under evaluation falls outside the sandbox.
func isPathScopedTool(tool string) bool {
	return tool == "fs.read_file" || tool == "fs.list_dir"
}

func (r *Resolver) lookupPolicyIDs(ctx context.Context, session neo4j.SessionWithContext, tool string) ([]string, error) {
	return runStringQuery(ctx, session,
		`MATCH (p:Policy)-[:REFERS_TO]->(t:ToolContract {tool_name: $tool}) RETURN p.policy_id AS id`, tool)
}

func (r *Resolver) lookupControlIDs(ctx context.Context, session neo4j.SessionWithContext, tool string) ([]string, error) {
	return runStringQuery(ctx, session,
		`MATCH (c:Control)-[:GOVERNS]->(t:ToolContract {tool_name: $tool}) RETURN c.control_id AS id`, tool)
}

func (r *Resolver) lookupIncidentRefs(ctx context.Context, session neo4j.SessionWithContext, tool string) ([]string, error) {
	return runStringQuery(ctx, session,
		`MATCH (i:Incident)-[:INVOLVED]->(t:ToolContract {tool_name: $tool}) RETURN i.incident_id AS id`, tool)
}

func runStringQuery(ctx context.Context, session neo4j.SessionWithContext, cypher, tool string) ([]string, error) {
	result, err := session.Run(ctx, cypher, map[string]any{"tool": tool})
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}

	var ids []string
	for result.Next(ctx) {
		record := result.Record()
		id, _, err := neo4j.GetRecordValue[string](record, "id")
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, result.Err()
}

// Close releases the underlying Neo4j driver, if one was established.
func (r *Resolver) Close(ctx context.Context) error {
	if r == nil || r.driver == nil {
		return nil
	}
	return r.driver.Close(ctx)
}
