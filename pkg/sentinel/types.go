// Package sentinel defines the wire types external orchestrators see:
// the same ToolDecision shape the core pipeline emits, and the closed
// sum types for verdict and tool-call status. These types serialize at
// the API boundary; internal packages use their own richer types and
// convert into these only when responding to a caller.
package sentinel

import "encoding/json"

// Verdict is the three-way policy outcome.
type Verdict string

const (
	VerdictAllow            Verdict = "ALLOW"
	VerdictBlock            Verdict = "BLOCK"
	VerdictApprovalRequired Verdict = "APPROVAL_REQUIRED"
)

// Status is a tool call's lifecycle status.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExecuted Status = "EXECUTED"
	StatusFailed   Status = "FAILED"
	StatusBlocked  Status = "BLOCKED"
)

// ToolDecision is returned from propose, approve, and deny alike: the
// orchestrator always sees the same shape regardless of which
// pipeline stage produced it.
type ToolDecision struct {
	ToolCallID      string          `json:"tool_call_id"`
	RunID           string          `json:"run_id"`
	Tool            string          `json:"tool"`
	Verdict         Verdict         `json:"verdict"`
	Reason          string          `json:"reason"`
	RiskScore       float64         `json:"risk_score"`
	Status          Status          `json:"status"`
	// PolicyCitations, IncidentRefs, and ControlRefs are never nil: an
	// absent citation list serializes as [], never null.
	PolicyCitations []string        `json:"policy_citations"`
	IncidentRefs    []string        `json:"incident_refs"`
	ControlRefs     []string        `json:"control_refs"`
	Result          json.RawMessage `json:"result,omitempty"`
}
