// Package pipeline implements the Decision Pipeline state machine
// (propose) and the Approval Controller (approve/deny). Every path
// through Propose persists an audit Decision before any backend
// effect runs — "audit precedes effect" — and a tool call is executed
// at most once: ALLOW runs immediately, APPROVAL_REQUIRED runs only
// from Approve, and BLOCK never runs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixkwasisarpong/sentinel/internal/audit"
	"github.com/felixkwasisarpong/sentinel/internal/backend"
	"github.com/felixkwasisarpong/sentinel/internal/citation"
	"github.com/felixkwasisarpong/sentinel/internal/metrics"
	"github.com/felixkwasisarpong/sentinel/internal/policy"
	"github.com/felixkwasisarpong/sentinel/internal/redact"
	"github.com/felixkwasisarpong/sentinel/pkg/sentinel"
)

// ErrNotAwaitingApproval is returned by Approve/Deny when the tool
// call is not currently PENDING with an APPROVAL_REQUIRED verdict.
var ErrNotAwaitingApproval = errors.New("tool call is not awaiting approval")

// Pipeline wires the policy engine, audit store, backend registry,
// citation resolver, and redactor into the propose/approve/deny state
// machine.
type Pipeline struct {
	store     audit.Store
	redactor  *redact.Redactor
	engine    *policy.Engine
	citations *citation.Resolver
	backends  *backend.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds a Pipeline from its dependencies. citations may be nil or
// a Resolver with no configured graph; either degrades to empty
// citations.
func New(store audit.Store, redactor *redact.Redactor, engine *policy.Engine, citations *citation.Resolver, backends *backend.Registry, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:     store,
		redactor:  redactor,
		engine:    engine,
		citations: citations,
		backends:  backends,
		metrics:   m,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// Propose evaluates one tool call and, for ALLOW verdicts, executes it
// immediately against the registered backend. Arguments are redacted
// before anything is persisted; only the redacted form is ever written
// to the audit store.
func (p *Pipeline) Propose(ctx context.Context, runID, tool string, args map[string]any) (*sentinel.ToolDecision, error) {
	started := time.Now()

	redacted := p.redactor.Apply(args)
	redactedJSON, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("marshal redacted args: %w", err)
	}

	toolCall, err := p.store.CreateToolCall(ctx, runID, tool, redactedJSON)
	if err != nil {
		return nil, fmt.Errorf("create tool call: %w", err)
	}

	decision := p.engine.Evaluate(tool, args)

	path, _ := args["path"].(string)
	cites := p.citations.Lookup(ctx, tool, path)

	auditDecision, err := p.store.PersistDecision(ctx, &audit.Decision{
		ToolCallID:      toolCall.ID,
		Verdict:         string(decision.Verdict),
		Reason:          decision.Reason,
		RiskScore:       decision.RiskScore,
		PolicyCitations: cites.PolicyCitations,
		IncidentRefs:    cites.IncidentRefs,
		ControlRefs:     cites.ControlRefs,
	})
	if err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	p.recordMetrics(tool, decision.Verdict, started)

	out := &sentinel.ToolDecision{
		ToolCallID:      toolCall.ID,
		RunID:           runID,
		Tool:            tool,
		Verdict:         sentinel.Verdict(auditDecision.Verdict),
		Reason:          auditDecision.Reason,
		RiskScore:       auditDecision.RiskScore,
		PolicyCitations: orEmptyStrings(auditDecision.PolicyCitations),
		IncidentRefs:    orEmptyStrings(auditDecision.IncidentRefs),
		ControlRefs:     orEmptyStrings(auditDecision.ControlRefs),
	}

	switch decision.Verdict {
	case policy.Block:
		if err := p.store.UpdateToolCallStatus(ctx, toolCall.ID, audit.StatusBlocked); err != nil {
			return nil, fmt.Errorf("update status blocked: %w", err)
		}
		out.Status = sentinel.StatusBlocked
		return out, nil

	case policy.ApprovalRequired:
		out.Status = sentinel.StatusPending
		return out, nil

	default: // Allow
		status, result, finalDecision, execErr := p.execute(ctx, toolCall.ID, tool, redacted, "Allowed")
		out.Status = sentinel.Status(status)
		out.Result = result
		if finalDecision != nil {
			out.Verdict = sentinel.Verdict(finalDecision.Verdict)
			out.Reason = finalDecision.Reason
			out.RiskScore = finalDecision.RiskScore
		}
		if execErr != nil {
			p.logger.Warn("backend execution failed", "tool", tool, "tool_call_id", toolCall.ID, "error", execErr)
		}
		return out, nil
	}
}

// Approve replays a tool call that's awaiting approval, executing it
// against the redacted arguments that were stored at propose time —
// never the caller's raw arguments, since those are never persisted.
func (p *Pipeline) Approve(ctx context.Context, toolCallID, approvedBy, note string) (*sentinel.ToolDecision, error) {
	toolCall, decision, err := p.loadAwaitingApproval(ctx, toolCallID)
	if err != nil {
		return nil, err
	}

	if err := p.store.RecordApproval(ctx, toolCallID, approvedBy, note); err != nil {
		return nil, fmt.Errorf("record approval: %w", err)
	}

	var redactedArgs map[string]any
	if err := json.Unmarshal(toolCall.ArgsRedacted, &redactedArgs); err != nil {
		return nil, fmt.Errorf("decode redacted args: %w", err)
	}

	status, result, finalDecision, execErr := p.execute(ctx, toolCall.ID, toolCall.ToolName, redactedArgs, "Approved")
	if execErr != nil {
		p.logger.Warn("backend execution failed after approval", "tool", toolCall.ToolName, "tool_call_id", toolCallID, "error", execErr)
	}

	verdict := sentinel.Verdict(decision.Verdict)
	reason := decision.Reason
	riskScore := decision.RiskScore
	if finalDecision != nil {
		verdict = sentinel.Verdict(finalDecision.Verdict)
		reason = finalDecision.Reason
		riskScore = finalDecision.RiskScore
	}

	return &sentinel.ToolDecision{
		ToolCallID:      toolCall.ID,
		RunID:           toolCall.RunID,
		Tool:            toolCall.ToolName,
		Verdict:         verdict,
		Reason:          reason,
		RiskScore:       riskScore,
		Status:          sentinel.Status(status),
		Result:          result,
		PolicyCitations: orEmptyStrings(decision.PolicyCitations),
		IncidentRefs:    orEmptyStrings(decision.IncidentRefs),
		ControlRefs:     orEmptyStrings(decision.ControlRefs),
	}, nil
}

// Deny marks a tool call awaiting approval as denied. It never
// executes.
func (p *Pipeline) Deny(ctx context.Context, toolCallID, deniedBy, note string) (*sentinel.ToolDecision, error) {
	toolCall, decision, err := p.loadAwaitingApproval(ctx, toolCallID)
	if err != nil {
		return nil, err
	}

	if err := p.store.UpdateToolCallStatus(ctx, toolCallID, audit.StatusDenied); err != nil {
		return nil, fmt.Errorf("update status denied: %w", err)
	}

	return &sentinel.ToolDecision{
		ToolCallID:      toolCall.ID,
		RunID:           toolCall.RunID,
		Tool:            toolCall.ToolName,
		Verdict:         sentinel.Verdict(decision.Verdict),
		Reason:          decision.Reason,
		RiskScore:       decision.RiskScore,
		Status:          sentinel.StatusDenied,
		PolicyCitations: orEmptyStrings(decision.PolicyCitations),
		IncidentRefs:    orEmptyStrings(decision.IncidentRefs),
		ControlRefs:     orEmptyStrings(decision.ControlRefs),
	}, nil
}

func (p *Pipeline) loadAwaitingApproval(ctx context.Context, toolCallID string) (*audit.ToolCall, *audit.Decision, error) {
	toolCall, err := p.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, nil, fmt.Errorf("get tool call: %w", err)
	}
	if toolCall.Status != audit.StatusPending {
		return nil, nil, ErrNotAwaitingApproval
	}

	decision, err := p.store.LatestDecision(ctx, toolCallID)
	if err != nil {
		return nil, nil, fmt.Errorf("latest decision: %w", err)
	}
	if decision.Verdict != string(sentinel.VerdictApprovalRequired) {
		return nil, nil, ErrNotAwaitingApproval
	}

	return toolCall, decision, nil
}

// execute invokes the backend registry at most once, persists a new
// Decision recording what actually happened, and records the resulting
// status and result on the tool call. On success that Decision is
// ALLOW with successReason ("Allowed" from Propose, "Approved" from
// Approve); on failure it is BLOCK with a reason carrying the backend
// error's text, so the tool call's latest decision never reads ALLOW
// for a call that didn't execute.
func (p *Pipeline) execute(ctx context.Context, toolCallID, tool string, args map[string]any, successReason string) (audit.ToolCallStatus, json.RawMessage, *audit.Decision, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return audit.StatusFailed, nil, nil, fmt.Errorf("marshal args: %w", err)
	}

	result, callErr := p.backends.CallTool(ctx, tool, argsJSON)

	status := audit.StatusExecuted
	verdict := policy.Allow
	reason := successReason
	risk := 0.0
	if callErr != nil {
		status = audit.StatusFailed
		verdict = policy.Block
		reason = fmt.Sprintf("Backend execution failed: %s", callErr.Error())
		risk = 1.0
		p.metrics.BackendErrors.WithLabelValues(backendNameFor(tool, p.backends), errorKind(callErr)).Inc()
	}

	finalDecision, persistErr := p.store.PersistDecision(ctx, &audit.Decision{
		ToolCallID: toolCallID,
		Verdict:    string(verdict),
		Reason:     reason,
		RiskScore:  risk,
	})
	if persistErr != nil {
		p.logger.Error("failed to persist execution outcome decision", "tool_call_id", toolCallID, "error", persistErr)
	}

	if recordErr := p.store.RecordResult(ctx, toolCallID, status, result); recordErr != nil {
		// Never let a bookkeeping failure mask the execution outcome.
		p.logger.Error("failed to record tool call result", "error", recordErr)
	}

	return status, result, finalDecision, callErr
}

func (p *Pipeline) recordMetrics(tool string, verdict policy.Verdict, started time.Time) {
	p.metrics.Decisions.WithLabelValues(tool, string(verdict)).Inc()
	p.metrics.DecisionDuration.WithLabelValues(string(verdict)).Observe(time.Since(started).Seconds())
}

func errorKind(err error) string {
	var transportErr *backend.TransportError
	if errors.As(err, &transportErr) {
		return "transport"
	}
	return "domain"
}

// orEmptyStrings ensures a citation list serializes as [] rather than
// null at the API boundary when nothing was found.
func orEmptyStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func backendNameFor(tool string, registry *backend.Registry) string {
	if _, name, ok := registry.Resolve(tool); ok {
		return name
	}
	return "unknown"
}
