package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// sqlStore is a database/sql-backed Store shared by the Postgres and
// SQLite drivers. The two differ only in placeholder syntax and
// connection-pool tuning, following internal/sessions/cockroach.go's
// prepared-statement idiom.
type sqlStore struct {
	db       *sql.DB
	dialect  dialect
	stmts    preparedStatements
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// placeholder returns the driver-appropriate bind placeholder for
// argument position n (1-indexed).
func (d dialect) placeholder(n int) string {
	if d == dialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

type preparedStatements struct {
	insertRun             *sql.Stmt
	getRun                *sql.Stmt
	listRuns              *sql.Stmt
	listToolCallsByRun    *sql.Stmt
	insertToolCall        *sql.Stmt
	getToolCall           *sql.Stmt
	updateToolCallStatus  *sql.Stmt
	recordApproval        *sql.Stmt
	recordResult          *sql.Stmt
	listPendingApprovals  *sql.Stmt
	insertDecision        *sql.Stmt
	latestDecision        *sql.Stmt
	listDecisions         *sql.Stmt
	insertServer          *sql.Stmt
	listServers           *sql.Stmt
	deleteServer          *sql.Stmt
	deleteCatalog         *sql.Stmt
	insertCatalogTool     *sql.Stmt
	listCatalog           *sql.Stmt
}

func newSQLStore(db *sql.DB, d dialect) (*sqlStore, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &sqlStore{db: db, dialect: d}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *sqlStore) ph(n int) string { return s.dialect.placeholder(n) }

func (s *sqlStore) prepareStatements() error {
	var err error

	s.stmts.insertRun, err = s.db.Prepare(fmt.Sprintf(
		`INSERT INTO sentinel_runs (id, orchestrator, agent_id, created_at) VALUES (%s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4)))
	if err != nil {
		return err
	}

	s.stmts.getRun, err = s.db.Prepare(fmt.Sprintf(
		`SELECT id, orchestrator, agent_id, created_at FROM sentinel_runs WHERE id = %s`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.listRuns, err = s.db.Prepare(
		`SELECT id, orchestrator, agent_id, created_at FROM sentinel_runs ORDER BY created_at DESC`)
	if err != nil {
		return err
	}

	s.stmts.listToolCallsByRun, err = s.db.Prepare(fmt.Sprintf(
		`SELECT id, run_id, tool_name, args_redacted, status, approved_at, approved_by, approval_note, result, created_at
		 FROM sentinel_tool_calls WHERE run_id = %s ORDER BY created_at ASC`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.insertToolCall, err = s.db.Prepare(fmt.Sprintf(
		`INSERT INTO sentinel_tool_calls (id, run_id, tool_name, args_redacted, status, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6)))
	if err != nil {
		return err
	}

	s.stmts.getToolCall, err = s.db.Prepare(fmt.Sprintf(
		`SELECT id, run_id, tool_name, args_redacted, status, approved_at, approved_by, approval_note, result, created_at
		 FROM sentinel_tool_calls WHERE id = %s`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.updateToolCallStatus, err = s.db.Prepare(fmt.Sprintf(
		`UPDATE sentinel_tool_calls SET status = %s WHERE id = %s`, s.ph(1), s.ph(2)))
	if err != nil {
		return err
	}

	s.stmts.recordApproval, err = s.db.Prepare(fmt.Sprintf(
		`UPDATE sentinel_tool_calls SET status = %s, approved_at = %s, approved_by = %s, approval_note = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)))
	if err != nil {
		return err
	}

	s.stmts.recordResult, err = s.db.Prepare(fmt.Sprintf(
		`UPDATE sentinel_tool_calls SET status = %s, result = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3)))
	if err != nil {
		return err
	}

	s.stmts.listPendingApprovals, err = s.db.Prepare(fmt.Sprintf(
		`SELECT id, run_id, tool_name, args_redacted, status, approved_at, approved_by, approval_note, result, created_at
		 FROM sentinel_tool_calls WHERE status = %s ORDER BY created_at ASC`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.insertDecision, err = s.db.Prepare(fmt.Sprintf(
		`INSERT INTO sentinel_decisions (id, tool_call_id, verdict, reason, risk_score, policy_citations, incident_refs, control_refs, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9)))
	if err != nil {
		return err
	}

	s.stmts.latestDecision, err = s.db.Prepare(fmt.Sprintf(
		`SELECT id, tool_call_id, verdict, reason, risk_score, policy_citations, incident_refs, control_refs, created_at
		 FROM sentinel_decisions WHERE tool_call_id = %s ORDER BY created_at DESC LIMIT 1`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.listDecisions, err = s.db.Prepare(fmt.Sprintf(
		`SELECT id, tool_call_id, verdict, reason, risk_score, policy_citations, incident_refs, control_refs, created_at
		 FROM sentinel_decisions WHERE tool_call_id = %s ORDER BY created_at ASC`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.insertServer, err = s.db.Prepare(fmt.Sprintf(
		`INSERT INTO sentinel_tool_servers (id, name, prefix, kind, base_address, auth_header, auth_token, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8)))
	if err != nil {
		return err
	}

	s.stmts.listServers, err = s.db.Prepare(
		`SELECT id, name, prefix, kind, base_address, auth_header, auth_token, created_at FROM sentinel_tool_servers ORDER BY LENGTH(prefix) DESC`)
	if err != nil {
		return err
	}

	s.stmts.deleteServer, err = s.db.Prepare(fmt.Sprintf(
		`DELETE FROM sentinel_tool_servers WHERE name = %s`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.deleteCatalog, err = s.db.Prepare(fmt.Sprintf(
		`DELETE FROM sentinel_tool_catalog WHERE server_name = %s`, s.ph(1)))
	if err != nil {
		return err
	}

	s.stmts.insertCatalogTool, err = s.db.Prepare(fmt.Sprintf(
		`INSERT INTO sentinel_tool_catalog (server_name, name, description, input_schema, synced_at)
		 VALUES (%s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)))
	if err != nil {
		return err
	}

	s.stmts.listCatalog, err = s.db.Prepare(fmt.Sprintf(
		`SELECT server_name, name, description, input_schema, synced_at FROM sentinel_tool_catalog WHERE server_name = %s ORDER BY name ASC`,
		s.ph(1)))
	if err != nil {
		return err
	}

	return nil
}

func (s *sqlStore) CreateRun(ctx context.Context, orchestrator, agentID string) (*Run, error) {
	run := &Run{
		ID:           uuid.New().String(),
		Orchestrator: orchestrator,
		AgentID:      agentID,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.stmts.insertRun.ExecContext(ctx, run.ID, run.Orchestrator, run.AgentID, run.CreatedAt); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *sqlStore) CreateToolCall(ctx context.Context, runID, toolName string, argsRedacted json.RawMessage) (*ToolCall, error) {
	tc := &ToolCall{
		ID:           uuid.New().String(),
		RunID:        runID,
		ToolName:     toolName,
		ArgsRedacted: argsRedacted,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.stmts.insertToolCall.ExecContext(ctx, tc.ID, tc.RunID, tc.ToolName, string(tc.ArgsRedacted), tc.Status, tc.CreatedAt); err != nil {
		return nil, fmt.Errorf("create tool call: %w", err)
	}
	return tc, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanToolCall serve single-row and multi-row queries alike.
type scanner interface {
	Scan(dest ...any) error
}

func scanToolCall(row scanner) (*ToolCall, error) {
	tc := &ToolCall{}
	var argsRedacted string
	var result sql.NullString
	var approvedAt sql.NullTime
	var approvedBy, approvalNote sql.NullString

	err := row.Scan(&tc.ID, &tc.RunID, &tc.ToolName, &argsRedacted, &tc.Status,
		&approvedAt, &approvedBy, &approvalNote, &result, &tc.CreatedAt)
	if err != nil {
		return nil, err
	}

	tc.ArgsRedacted = json.RawMessage(argsRedacted)
	if approvedAt.Valid {
		tc.ApprovedAt = &approvedAt.Time
	}
	tc.ApprovedBy = approvedBy.String
	tc.ApprovalNote = approvalNote.String
	if result.Valid {
		tc.Result = json.RawMessage(result.String)
	}
	return tc, nil
}

func (s *sqlStore) GetToolCall(ctx context.Context, id string) (*ToolCall, error) {
	tc, err := scanToolCall(s.stmts.getToolCall.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Kind: "tool call", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get tool call: %w", err)
	}
	return tc, nil
}

// GetRun fetches a run, every tool call proposed within it, and each
// call's latest decision. The tool-call list is fully drained and its
// rows closed before any LatestDecision lookup runs: sqlite's pool is
// capped at one connection (see NewSQLiteStore), so issuing a second
// query while the first's rows are still open would deadlock.
func (s *sqlStore) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	row := s.stmts.getRun.QueryRowContext(ctx, id)
	run := Run{}
	if err := row.Scan(&run.ID, &run.Orchestrator, &run.AgentID, &run.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{Kind: "run", ID: id}
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.stmts.listToolCallsByRun.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list tool calls for run: %w", err)
	}
	var toolCalls []ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		toolCalls = append(toolCalls, *tc)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, fmt.Errorf("list tool calls for run: %w", rowsErr)
	}

	details := make([]ToolCallDetail, 0, len(toolCalls))
	for _, tc := range toolCalls {
		latest, err := s.LatestDecision(ctx, tc.ID)
		var notFound *ErrNotFound
		if err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("latest decision for tool call %s: %w", tc.ID, err)
		}
		if err != nil {
			latest = nil
		}
		details = append(details, ToolCallDetail{ToolCall: tc, LatestDecision: latest})
	}

	return &RunDetail{Run: run, ToolCalls: details}, nil
}

func (s *sqlStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.stmts.listRuns.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Orchestrator, &r.AgentID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListPendingApprovals(ctx context.Context) ([]ToolCall, error) {
	rows, err := s.stmts.listPendingApprovals.QueryContext(ctx, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateToolCallStatus(ctx context.Context, toolCallID string, status ToolCallStatus) error {
	if _, err := s.stmts.updateToolCallStatus.ExecContext(ctx, status, toolCallID); err != nil {
		return fmt.Errorf("update tool call status: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordApproval(ctx context.Context, toolCallID, approvedBy, note string) error {
	_, err := s.stmts.recordApproval.ExecContext(ctx, StatusApproved, time.Now().UTC(), approvedBy, note, toolCallID)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordResult(ctx context.Context, toolCallID string, status ToolCallStatus, result json.RawMessage) error {
	if _, err := s.stmts.recordResult.ExecContext(ctx, status, string(result), toolCallID); err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

func (s *sqlStore) PersistDecision(ctx context.Context, d *Decision) (*Decision, error) {
	d.ID = uuid.New().String()
	d.CreatedAt = time.Now().UTC()

	citations, _ := json.Marshal(d.PolicyCitations)
	incidents, _ := json.Marshal(d.IncidentRefs)
	controls, _ := json.Marshal(d.ControlRefs)

	_, err := s.stmts.insertDecision.ExecContext(ctx, d.ID, d.ToolCallID, d.Verdict, d.Reason, d.RiskScore,
		string(citations), string(incidents), string(controls), d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}
	return d, nil
}

func (s *sqlStore) LatestDecision(ctx context.Context, toolCallID string) (*Decision, error) {
	row := s.stmts.latestDecision.QueryRowContext(ctx, toolCallID)
	d := &Decision{}
	var citations, incidents, controls sql.NullString

	err := row.Scan(&d.ID, &d.ToolCallID, &d.Verdict, &d.Reason, &d.RiskScore, &citations, &incidents, &controls, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Kind: "decision", ID: toolCallID}
	}
	if err != nil {
		return nil, fmt.Errorf("latest decision: %w", err)
	}

	d.PolicyCitations = unmarshalStrings(citations.String)
	d.IncidentRefs = unmarshalStrings(incidents.String)
	d.ControlRefs = unmarshalStrings(controls.String)
	return d, nil
}

func (s *sqlStore) ListDecisions(ctx context.Context, toolCallID string) ([]Decision, error) {
	rows, err := s.stmts.listDecisions.QueryContext(ctx, toolCallID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var citations, incidents, controls sql.NullString
		if err := rows.Scan(&d.ID, &d.ToolCallID, &d.Verdict, &d.Reason, &d.RiskScore, &citations, &incidents, &controls, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.PolicyCitations = unmarshalStrings(citations.String)
		d.IncidentRefs = unmarshalStrings(incidents.String)
		d.ControlRefs = unmarshalStrings(controls.String)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) RegisterServer(ctx context.Context, reg *ServerRegistration) (*ServerRegistration, error) {
	reg.ID = uuid.New().String()
	reg.CreatedAt = time.Now().UTC()
	if _, err := s.stmts.insertServer.ExecContext(ctx, reg.ID, reg.Name, reg.Prefix, reg.Kind, reg.BaseAddress, nullableString(reg.AuthHeader), nullableString(reg.AuthToken), reg.CreatedAt); err != nil {
		return nil, fmt.Errorf("register server: %w", err)
	}
	return reg, nil
}

func (s *sqlStore) ListServers(ctx context.Context) ([]ServerRegistration, error) {
	rows, err := s.stmts.listServers.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []ServerRegistration
	for rows.Next() {
		var r ServerRegistration
		var authHeader, authToken sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Prefix, &r.Kind, &r.BaseAddress, &authHeader, &authToken, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		r.AuthHeader = authHeader.String
		r.AuthToken = authToken.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// nullableString turns an empty string into a SQL NULL so an unset auth
// field reads back as "" rather than a literal empty string mixed in
// with genuinely-configured ones.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) DeregisterServer(ctx context.Context, name string) error {
	if _, err := s.stmts.deleteServer.ExecContext(ctx, name); err != nil {
		return fmt.Errorf("deregister server: %w", err)
	}
	return nil
}

// ReplaceCatalog atomically replaces the tool catalog for serverName:
// sync is the only mutation of the catalog, and each sync wholly
// replaces the prior contents rather than merging into them.
func (s *sqlStore) ReplaceCatalog(ctx context.Context, serverName string, tools []CatalogTool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.stmts.deleteCatalog).ExecContext(ctx, serverName); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}

	insert := tx.StmtContext(ctx, s.stmts.insertCatalogTool)
	now := time.Now().UTC()
	for _, tool := range tools {
		if _, err := insert.ExecContext(ctx, serverName, tool.Name, tool.Description, string(tool.InputSchema), now); err != nil {
			return fmt.Errorf("insert catalog tool %s: %w", tool.Name, err)
		}
	}

	return tx.Commit()
}

func (s *sqlStore) ListCatalog(ctx context.Context, serverName string) ([]CatalogTool, error) {
	rows, err := s.stmts.listCatalog.QueryContext(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	var out []CatalogTool
	for rows.Next() {
		var t CatalogTool
		var schema sql.NullString
		var description sql.NullString
		if err := rows.Scan(&t.ServerName, &t.Name, &description, &schema, &t.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan catalog tool: %w", err)
		}
		t.Description = description.String
		if schema.Valid {
			t.InputSchema = json.RawMessage(schema.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmts.insertRun, s.stmts.getRun, s.stmts.listRuns, s.stmts.listToolCallsByRun, s.stmts.insertToolCall, s.stmts.getToolCall,
		s.stmts.updateToolCallStatus, s.stmts.recordApproval, s.stmts.recordResult, s.stmts.listPendingApprovals,
		s.stmts.insertDecision, s.stmts.latestDecision, s.stmts.listDecisions,
		s.stmts.insertServer, s.stmts.listServers, s.stmts.deleteServer,
		s.stmts.deleteCatalog, s.stmts.insertCatalogTool, s.stmts.listCatalog,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

