// Package wire defines the line-delimited JSON protocol spoken between the
// broker and the other zones. Each connection carries exactly one
// newline-terminated request and receives exactly one newline-terminated
// response. The "type" field selects the message variant.
package wire

import (
	"encoding/json"
	"fmt"
)

// Request type strings accepted by the broker.
const (
	TypePing             = "ping"
	TypeStatus           = "status"
	TypeListActions      = "list_actions"
	TypeCapabilityReq    = "capability_request"
	TypeCapabilityExec   = "capability_execute"
	TypeContentSanitized = "content_sanitized"
	TypeApprovalResponse = "approval_response"
	TypeKill             = "kill"
)

// Status values used in response envelopes.
const (
	StatusApproved        = "approved"
	StatusDenied          = "denied"
	StatusPendingApproval = "pending_approval"
	StatusAcknowledged    = "acknowledged"
	StatusSuccess         = "success"
	StatusError           = "error"
	StatusKilled          = "killed"
)

// Request is implemented by all inbound message variants.
type Request interface {
	// RequestType returns the wire "type" string for this variant.
	RequestType() string
}

// Ping is a liveness probe.
type Ping struct {
	Type string `json:"type"`
}

func (Ping) RequestType() string { return TypePing }

// StatusRequest asks for a snapshot of the broker's state.
type StatusRequest struct {
	Type string `json:"type"`
}

func (StatusRequest) RequestType() string { return TypeStatus }

// ListActionsRequest asks for the static action descriptor table.
type ListActionsRequest struct {
	Type string `json:"type"`
}

func (ListActionsRequest) RequestType() string { return TypeListActions }

// CapabilityRequest asks whether an action may be performed, possibly
// creating a pending approval.
type CapabilityRequest struct {
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	RequestID string         `json:"request_id"`
	AuthToken string         `json:"auth_token,omitempty"`
}

func (CapabilityRequest) RequestType() string { return TypeCapabilityReq }

// CapabilityExecute asks the broker to perform an action, optionally
// referencing a previously granted approval.
type CapabilityExecute struct {
	Type       string         `json:"type"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params"`
	ApprovalID string         `json:"approval_id,omitempty"`
	AuthToken  string         `json:"auth_token,omitempty"`
}

func (CapabilityExecute) RequestType() string { return TypeCapabilityExec }

// ContentSanitized delivers sanitized content from the ingestion zone.
// The broker acknowledges and audits it; content is never acted on
// automatically.
type ContentSanitized struct {
	Type              string         `json:"type"`
	Source            string         `json:"source"`
	Content           map[string]any `json:"content"`
	InjectionDetected bool           `json:"injection_detected,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
}

func (ContentSanitized) RequestType() string { return TypeContentSanitized }

// ApprovalResponse carries a human decision for a pending approval.
type ApprovalResponse struct {
	Type       string `json:"type"`
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

func (ApprovalResponse) RequestType() string { return TypeApprovalResponse }

// KillRequest triggers the kill switch remotely.
type KillRequest struct {
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	Details     string `json:"details,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

func (KillRequest) RequestType() string { return TypeKill }

// envelope is used to sniff the type field before full decoding.
type envelope struct {
	Type string `json:"type"`
}

// ErrUnknownType is returned by DecodeRequest for unrecognized type fields.
// The wrapped message carries the offending type string.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("Unknown message type: %s", e.Type)
}

// DecodeRequest parses a single request line into its typed variant.
// Returns *ErrUnknownType when the type field is not recognized.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var req Request
	switch env.Type {
	case TypePing:
		req = &Ping{}
	case TypeStatus:
		req = &StatusRequest{}
	case TypeListActions:
		req = &ListActionsRequest{}
	case TypeCapabilityReq:
		req = &CapabilityRequest{}
	case TypeCapabilityExec:
		req = &CapabilityExecute{}
	case TypeContentSanitized:
		req = &ContentSanitized{}
	case TypeApprovalResponse:
		req = &ApprovalResponse{}
	case TypeKill:
		req = &KillRequest{}
	default:
		return nil, &ErrUnknownType{Type: env.Type}
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return req, nil
}
