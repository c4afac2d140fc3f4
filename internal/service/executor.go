// Package service contains the executor: the component that binds
// policy, approvals, the kill switch, the vault, the canary registry,
// and the audit chain into one request dispatcher.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/moltbot/moltbroker/internal/domain/approval"
	"github.com/moltbot/moltbroker/internal/domain/audit"
	"github.com/moltbot/moltbroker/internal/domain/auth"
	"github.com/moltbot/moltbroker/internal/domain/canary"
	"github.com/moltbot/moltbroker/internal/domain/killswitch"
	"github.com/moltbot/moltbroker/internal/domain/policy"
	"github.com/moltbot/moltbroker/internal/domain/vault"
	"github.com/moltbot/moltbroker/pkg/wire"
)

// serverName identifies this process in pong responses.
const serverName = "zone1-executor"

// ErrCodeInvalidApproval is the taxonomy code for unknown or expired
// approval ids on execute.
const ErrCodeInvalidApproval = "invalid_approval"

// ErrCodeIntegrationFailure is the taxonomy code for failed external
// calls.
const ErrCodeIntegrationFailure = "integration_failure"

// ErrCodeAuthFailed is the taxonomy code for rejected auth tokens.
const ErrCodeAuthFailed = "auth_failed"

// actorZone2 labels the reasoning zone in audit events.
const actorZone2 = "zone2"

// Executor dispatches wire requests to handlers. The handler table is
// installed once at construction.
type Executor struct {
	policy    *policy.Engine
	vault     *vault.Vault
	kill      *killswitch.KillSwitch
	anomaly   *killswitch.AnomalyDetector
	approvals *approval.Manager
	auditLog  audit.Log
	canaries  *canary.Registry
	verifier  *auth.Verifier
	invoker   Invoker
	logger    *slog.Logger
	version   string
	now       func() time.Time

	handlers map[string]func(ctx context.Context, req wire.Request) any
}

// Deps carries the executor's collaborators.
type Deps struct {
	Policy    *policy.Engine
	Vault     *vault.Vault
	Kill      *killswitch.KillSwitch
	Anomaly   *killswitch.AnomalyDetector
	Approvals *approval.Manager
	AuditLog  audit.Log
	Canaries  *canary.Registry
	Verifier  *auth.Verifier
	Invoker   Invoker
	Logger    *slog.Logger
	Version   string
}

// NewExecutor wires the executor and installs the handler table.
func NewExecutor(deps Deps) *Executor {
	e := &Executor{
		policy:    deps.Policy,
		vault:     deps.Vault,
		kill:      deps.Kill,
		anomaly:   deps.Anomaly,
		approvals: deps.Approvals,
		auditLog:  deps.AuditLog,
		canaries:  deps.Canaries,
		verifier:  deps.Verifier,
		invoker:   deps.Invoker,
		logger:    deps.Logger,
		version:   deps.Version,
		now:       time.Now,
	}
	e.handlers = map[string]func(ctx context.Context, req wire.Request) any{
		wire.TypePing:             e.handlePing,
		wire.TypeStatus:           e.handleStatus,
		wire.TypeListActions:      e.handleListActions,
		wire.TypeCapabilityReq:    e.handleCapabilityRequest,
		wire.TypeCapabilityExec:   e.handleCapabilityExecute,
		wire.TypeContentSanitized: e.handleContentSanitized,
		wire.TypeApprovalResponse: e.handleApprovalResponse,
		wire.TypeKill:             e.handleKill,
	}
	return e
}

// Handle dispatches one decoded request and returns the response value
// to encode. Unknown types never reach here; the transport rejects them
// at decode.
func (e *Executor) Handle(ctx context.Context, req wire.Request) any {
	handler, ok := e.handlers[req.RequestType()]
	if !ok {
		return wire.Errorf(fmt.Sprintf("Unknown message type: %s", req.RequestType()))
	}
	return handler(ctx, req)
}

// OnApprovalDecision is the approval manager's decision callback: an
// operator approval routes back into the execute path; a rejection or
// expiry is audited.
func (e *Executor) OnApprovalDecision(req approval.Request, approved bool) {
	ctx := context.Background()
	if approved {
		e.record(ctx, audit.Entry{
			Kind:   audit.KindActionApproved,
			Action: req.Action,
			Actor:  req.DecidedBy,
			Details: map[string]any{
				"approval_id": req.ApprovalID,
			},
		})
		resp := e.execute(ctx, req.Action, req.Params, true)
		if resp.Status != wire.StatusSuccess {
			e.logger.Error("approved action failed",
				"approval_id", req.ApprovalID, "action", req.Action, "message", resp.Message)
		}
		return
	}

	e.record(ctx, audit.Entry{
		Kind:   audit.KindActionRejected,
		Action: req.Action,
		Actor:  req.DecidedBy,
		Details: map[string]any{
			"approval_id": req.ApprovalID,
			"status":      string(req.Status),
		},
	})
}

func (e *Executor) handlePing(_ context.Context, _ wire.Request) any {
	return &wire.Pong{
		Type:      wire.TypePong,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		Server:    serverName,
		Version:   e.version,
	}
}

func (e *Executor) handleStatus(_ context.Context, _ wire.Request) any {
	status := e.kill.GetStatus()
	killStatus := wire.KillStatus{Active: status.Active, Killed: status.Killed}
	if status.Event != nil {
		killStatus.Event = map[string]any{
			"timestamp":    status.Event.Timestamp.Format(time.RFC3339Nano),
			"reason":       string(status.Event.Reason),
			"details":      status.Event.Details,
			"triggered_by": status.Event.TriggeredBy,
		}
	}

	resp := &wire.StatusResponse{
		Type:             wire.TypeStatusResp,
		Running:          true,
		KillSwitch:       killStatus,
		PendingApprovals: e.approvals.PendingCount(),
		Timestamp:        e.now().UTC().Format(time.RFC3339Nano),
	}
	if stats, ok := e.auditLog.(interface{ Stats() (audit.Stats, error) }); ok {
		if s, err := stats.Stats(); err == nil {
			resp.AuditStats = map[string]any{
				"total_events": s.TotalEvents,
				"by_type":      s.ByType,
				"chain_valid":  s.ChainValid,
			}
		}
	}
	return resp
}

func (e *Executor) handleListActions(_ context.Context, _ wire.Request) any {
	actions := make(map[string]wire.ActionDescriptor)
	for _, name := range e.policy.Actions() {
		pol, _ := e.policy.Lookup(name)
		actions[name] = wire.ActionDescriptor{
			RequiresApproval: string(pol.Approval),
			RateLimit:        pol.RateLimit,
			Description:      pol.Description,
		}
	}
	return &wire.ActionsList{Type: wire.TypeActionsList, Actions: actions}
}

func (e *Executor) handleCapabilityRequest(ctx context.Context, req wire.Request) any {
	cr := req.(*wire.CapabilityRequest)

	if err := e.checkAuth(ctx, cr.AuthToken, cr.Action); err != nil {
		return &wire.CapabilityResponse{
			Type:      wire.TypeCapabilityResp,
			RequestID: cr.RequestID,
			Status:    wire.StatusDenied,
			Error:     ErrCodeAuthFailed,
			Message:   "Authentication failed",
		}
	}

	if err := e.record(ctx, audit.Entry{
		Kind:      audit.KindActionRequested,
		Action:    cr.Action,
		Actor:     actorZone2,
		Details:   audit.RedactSensitive(cr.Params),
		RequestID: cr.RequestID,
	}); err != nil {
		return wire.Errorf("audit append failed")
	}

	decision := e.policy.CheckAction(cr.Action, cr.Params)
	if !decision.Allowed {
		e.record(ctx, audit.Entry{
			Kind:      audit.KindPolicyDenied,
			Action:    cr.Action,
			Actor:     actorZone2,
			RequestID: cr.RequestID,
			Details: map[string]any{
				"error":   decision.Error,
				"message": decision.Message,
			},
		})
		return &wire.CapabilityResponse{
			Type:      wire.TypeCapabilityResp,
			RequestID: cr.RequestID,
			Status:    wire.StatusDenied,
			Error:     decision.Error,
			Message:   decision.Message,
		}
	}

	// Notify-level actions go through the operator channel too; only
	// none-level actions skip the human entirely.
	if decision.Approval != policy.ApprovalNone {
		approvalID := e.approvals.NewApprovalID(cr.Action)
		if _, err := e.approvals.Submit(ctx, approvalID, cr.Action, cr.Params, actorZone2); err != nil {
			e.logger.Error("failed to submit approval", "action", cr.Action, "error", err)
			return &wire.CapabilityResponse{
				Type:      wire.TypeCapabilityResp,
				RequestID: cr.RequestID,
				Status:    wire.StatusError,
				Error:     ErrCodeIntegrationFailure,
				Message:   "Failed to dispatch approval request",
			}
		}
		return &wire.CapabilityResponse{
			Type:       wire.TypeCapabilityResp,
			RequestID:  cr.RequestID,
			Status:     wire.StatusPendingApproval,
			ApprovalID: approvalID,
			Message:    fmt.Sprintf("Action '%s' requires approval", cr.Action),
		}
	}

	return &wire.CapabilityResponse{
		Type:      wire.TypeCapabilityResp,
		RequestID: cr.RequestID,
		Status:    wire.StatusApproved,
		Message:   fmt.Sprintf("Action '%s' is allowed without approval", cr.Action),
	}
}

func (e *Executor) handleCapabilityExecute(ctx context.Context, req wire.Request) any {
	ce := req.(*wire.CapabilityExecute)

	if err := e.checkAuth(ctx, ce.AuthToken, ce.Action); err != nil {
		return &wire.ExecuteResponse{
			Type:    wire.TypeExecuteResp,
			Status:  wire.StatusError,
			Action:  ce.Action,
			Error:   ErrCodeAuthFailed,
			Message: "Authentication failed",
		}
	}

	if ce.ApprovalID != "" {
		// Claim before executing. Concurrent executes carrying the same
		// id race for the claim; the losers are refused without running
		// the side effect.
		claimed, ok := e.approvals.Claim(ce.ApprovalID)
		if !ok {
			return &wire.ExecuteResponse{
				Type:    wire.TypeExecuteResp,
				Status:  wire.StatusError,
				Error:   ErrCodeInvalidApproval,
				Message: "Invalid or expired approval ID",
			}
		}
		resp := e.execute(ctx, ce.Action, ce.Params, true)
		if resp.Status != wire.StatusSuccess {
			e.approvals.Restore(claimed)
		}
		return resp
	}

	return e.execute(ctx, ce.Action, ce.Params, false)
}

// execute runs the common execute path: kill gate, anomaly gate, policy
// re-check, credentials, integration call, outcome audit. preApproved
// skips rate accounting because the budget was consumed at request time.
func (e *Executor) execute(ctx context.Context, action string, params map[string]any, preApproved bool) *wire.ExecuteResponse {
	if e.kill.IsKilled() {
		return &wire.ExecuteResponse{
			Type:    wire.TypeExecuteResp,
			Status:  wire.StatusError,
			Action:  action,
			Error:   "killed",
			Message: "System is in killed state - all actions blocked",
		}
	}

	if !e.anomaly.RecordAction(action) {
		e.record(ctx, audit.Entry{
			Kind:   audit.KindAnomalyDetected,
			Action: action,
			Actor:  actorZone2,
			Details: map[string]any{
				"message": "Action blocked by anomaly detector",
			},
		})
		return &wire.ExecuteResponse{
			Type:    wire.TypeExecuteResp,
			Status:  wire.StatusError,
			Action:  action,
			Error:   policy.ErrCodeRateLimited,
			Message: "Action blocked by anomaly detector",
		}
	}

	if preApproved {
		if _, ok := e.policy.Lookup(action); !ok {
			return &wire.ExecuteResponse{
				Type:    wire.TypeExecuteResp,
				Status:  wire.StatusError,
				Action:  action,
				Error:   policy.ErrCodeActionNotAllowed,
				Message: fmt.Sprintf("Action '%s' is not in the allowed actions list", action),
			}
		}
	} else {
		decision := e.policy.CheckAction(action, params)
		if !decision.Allowed {
			e.record(ctx, audit.Entry{
				Kind:   audit.KindPolicyDenied,
				Action: action,
				Actor:  actorZone2,
				Details: map[string]any{
					"error":   decision.Error,
					"message": decision.Message,
					"phase":   "execute",
				},
			})
			return &wire.ExecuteResponse{
				Type:    wire.TypeExecuteResp,
				Status:  wire.StatusError,
				Action:  action,
				Error:   decision.Error,
				Message: decision.Message,
			}
		}
	}

	credentials, err := e.vault.CredentialsFor(ctx, action)
	if err != nil {
		e.record(ctx, audit.Entry{
			Kind:   audit.KindActionFailed,
			Action: action,
			Actor:  actorZone2,
			Details: map[string]any{
				"error": err.Error(),
				"phase": "credentials",
			},
		})
		return &wire.ExecuteResponse{
			Type:    wire.TypeExecuteResp,
			Status:  wire.StatusError,
			Action:  action,
			Error:   ErrCodeIntegrationFailure,
			Message: err.Error(),
		}
	}

	e.logger.Info("executing action", "action", action, "params", len(params))
	result, err := e.invoker.Invoke(ctx, action, params, credentials)
	if err != nil {
		e.record(ctx, audit.Entry{
			Kind:   audit.KindActionFailed,
			Action: action,
			Actor:  actorZone2,
			Details: map[string]any{
				"error": err.Error(),
			},
		})
		return &wire.ExecuteResponse{
			Type:    wire.TypeExecuteResp,
			Status:  wire.StatusError,
			Action:  action,
			Error:   ErrCodeIntegrationFailure,
			Message: err.Error(),
		}
	}

	e.record(ctx, audit.Entry{
		Kind:    audit.KindActionExecuted,
		Action:  action,
		Actor:   actorZone2,
		Details: audit.RedactSensitive(params),
	})
	return &wire.ExecuteResponse{
		Type:   wire.TypeExecuteResp,
		Status: wire.StatusSuccess,
		Action: action,
		Result: result,
	}
}

func (e *Executor) handleContentSanitized(ctx context.Context, req wire.Request) any {
	cs := req.(*wire.ContentSanitized)

	raw, err := json.Marshal(cs.Content)
	if err != nil {
		raw = []byte("{}")
	}
	fingerprint := fmt.Sprintf("%016x", xxhash.Sum64(raw))

	e.record(ctx, audit.Entry{
		Kind:       audit.KindContentSanitized,
		Actor:      cs.Source,
		SourceZone: "zone3",
		Details: map[string]any{
			"source":      cs.Source,
			"fingerprint": fingerprint,
			"bytes":       len(raw),
			"warnings":    cs.Warnings,
		},
	})

	if cs.InjectionDetected {
		e.record(ctx, audit.Entry{
			Kind:       audit.KindInjectionDetected,
			Actor:      cs.Source,
			SourceZone: "zone3",
			Details: map[string]any{
				"source":      cs.Source,
				"fingerprint": fingerprint,
				"warnings":    cs.Warnings,
			},
		})
	}

	// Canary sweep: any planted value surfacing in inbound content means
	// data left the boundary it was planted behind.
	e.canaries.Check(string(raw), "", cs.Source, map[string]any{
		"channel":     "content_sanitized",
		"fingerprint": fingerprint,
	})

	return &wire.ContentReceived{
		Type:      wire.TypeContentReceived,
		Source:    cs.Source,
		Status:    wire.StatusAcknowledged,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
	}
}

func (e *Executor) handleApprovalResponse(ctx context.Context, req wire.Request) any {
	ar := req.(*wire.ApprovalResponse)

	if !ar.Approved {
		// Resolve routes through the decision callback, which audits
		// the rejection.
		if !e.approvals.Resolve(ar.ApprovalID, false, actorZone2) {
			return &wire.ApprovalResult{
				Type:    wire.TypeApprovalResult,
				Status:  wire.StatusError,
				Message: "Unknown approval ID",
			}
		}
		return &wire.ApprovalResult{
			Type:    wire.TypeApprovalResult,
			Status:  "rejected",
			Message: "Approval was denied",
		}
	}

	// Claim instead of Resolve: this handler executes and audits the
	// action itself, so the decision callback must not run it again. The
	// claim also settles the race with a concurrent execute or operator
	// press on the same id.
	claimed, ok := e.approvals.Claim(ar.ApprovalID)
	if !ok {
		return &wire.ApprovalResult{
			Type:    wire.TypeApprovalResult,
			Status:  wire.StatusError,
			Message: "Unknown approval ID",
		}
	}
	e.record(ctx, audit.Entry{
		Kind:   audit.KindActionApproved,
		Action: claimed.Action,
		Actor:  actorZone2,
		Details: map[string]any{
			"approval_id": ar.ApprovalID,
		},
	})
	result := e.execute(ctx, claimed.Action, claimed.Params, true)
	return &wire.ApprovalResult{
		Type:   wire.TypeApprovalResult,
		Status: "executed",
		Result: result,
	}
}

func (e *Executor) handleKill(ctx context.Context, req wire.Request) any {
	kr := req.(*wire.KillRequest)

	details := kr.Details
	if details == "" {
		details = "Kill command received"
	}
	triggeredBy := kr.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "remote"
	}

	event := e.kill.Trigger(killswitch.ParseReason(kr.Reason), details, triggeredBy)
	return &wire.KillResponse{
		Type:      wire.TypeKillResp,
		Status:    wire.StatusKilled,
		Timestamp: event.Timestamp.Format(time.RFC3339Nano),
		Reason:    string(event.Reason),
	}
}

// checkAuth verifies the protocol auth token and audits failures.
func (e *Executor) checkAuth(ctx context.Context, token, action string) error {
	if e.verifier == nil {
		return nil
	}
	if err := e.verifier.Verify(token); err != nil {
		e.record(ctx, audit.Entry{
			Kind:   audit.KindAuthAttempt,
			Action: action,
			Actor:  actorZone2,
			Details: map[string]any{
				"result": "denied",
			},
		})
		return err
	}
	return nil
}

// record appends an audit entry. Failures are logged; callers that must
// fail the request on audit errors check the return.
func (e *Executor) record(ctx context.Context, entry audit.Entry) error {
	if entry.SourceZone == "" {
		entry.SourceZone = actorZone2
	}
	if _, err := e.auditLog.Record(ctx, entry); err != nil {
		e.logger.Error("audit append failed", "kind", entry.Kind, "error", err)
		return err
	}
	return nil
}
