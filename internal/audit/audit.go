// Package audit implements the gateway's append-only audit store: the
// Run / Tool Call / Decision / Tool-Server Registration data model.
// Every tool call gets at least one Decision row; Decision rows are
// never updated or deleted, only appended — "latest by creation time"
// is how callers resolve the current decision for a tool call.
package audit

import (
	"encoding/json"
	"time"
)

// ToolCallStatus is the tool call's lifecycle status. It only ever
// moves forward: PENDING -> APPROVED -> EXECUTED|FAILED, or
// PENDING -> DENIED, or directly to EXECUTED|FAILED|BLOCKED when no
// approval step is required.
type ToolCallStatus string

const (
	StatusPending  ToolCallStatus = "PENDING"
	StatusApproved ToolCallStatus = "APPROVED"
	StatusDenied   ToolCallStatus = "DENIED"
	StatusExecuted ToolCallStatus = "EXECUTED"
	StatusFailed   ToolCallStatus = "FAILED"
	StatusBlocked  ToolCallStatus = "BLOCKED"
)

// Run is one orchestrator session that proposes tool calls.
type Run struct {
	ID           string
	Orchestrator string
	AgentID      string
	CreatedAt    time.Time
}

// RunDetail is a Run together with every Tool Call proposed within it,
// each paired with its most recent Decision. GetRun returns this shape
// so a caller can see a run's full outcome — including whether a call
// was approved and what it resolved to — without a separate decisions
// lookup per call.
type RunDetail struct {
	Run
	ToolCalls []ToolCallDetail
}

// ToolCallDetail pairs a ToolCall with the latest Decision recorded
// against it. LatestDecision is nil only if no decision has ever been
// persisted for the call, which Propose rules out for every call it
// creates.
type ToolCallDetail struct {
	ToolCall
	LatestDecision *Decision
}

// ToolCall is one proposed invocation of a named tool within a Run.
// ArgsRedacted holds the redacted argument map — the only form of the
// arguments ever persisted.
type ToolCall struct {
	ID           string
	RunID        string
	ToolName     string
	ArgsRedacted json.RawMessage
	Status       ToolCallStatus
	ApprovedAt   *time.Time
	ApprovedBy   string
	ApprovalNote string
	Result       json.RawMessage
	CreatedAt    time.Time
}

// Decision is one policy evaluation of a ToolCall. Decisions are
// append-only: approve/deny and re-evaluation each add a new row
// rather than mutating an existing one.
type Decision struct {
	ID              string
	ToolCallID      string
	Verdict         string
	Reason          string
	RiskScore       float64
	PolicyCitations []string
	IncidentRefs    []string
	ControlRefs     []string
	CreatedAt       time.Time
}

// ServerRegistration records one registered tool server and the
// tool-name prefix it's responsible for. Prefixes across all
// registrations must never overlap.
type ServerRegistration struct {
	ID          string
	Name        string
	Prefix      string
	Kind        string
	BaseAddress string
	// AuthHeader and AuthToken are the header name and opaque token an
	// http backend sends on every request to this server, if configured.
	// AuthToken is never serialized back out: it's a credential, not a
	// display attribute.
	AuthHeader string
	AuthToken  string `json:"-"`
	CreatedAt  time.Time
}

// CatalogTool is one namespaced tool entry in a server's catalog, as
// last replaced by a sync operation. Name already carries the
// server's prefix.
type CatalogTool struct {
	ServerName  string
	Name        string
	Description string
	InputSchema json.RawMessage
	SyncedAt    time.Time
}
