package wire

// Response type strings emitted by the broker. They mirror the request that
// produced them rather than forming their own dispatch namespace.
const (
	TypePong            = "pong"
	TypeCapabilityResp  = "capability_response"
	TypeExecuteResp     = "execute_response"
	TypeContentReceived = "content_received"
	TypeApprovalResult  = "approval_result"
	TypeActionsList     = "actions_list"
	TypeKillResp        = "kill_response"
	TypeStatusResp      = "status_response"
	TypeError           = "error"
)

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Server    string `json:"server"`
	Version   string `json:"version"`
}

// CapabilityResponse answers a capability_request.
type CapabilityResponse struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	ApprovalID string `json:"approval_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ExecuteResponse answers a capability_execute.
type ExecuteResponse struct {
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Action  string         `json:"action,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ContentReceived acknowledges sanitized content.
type ContentReceived struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ApprovalResult answers an approval_response.
type ApprovalResult struct {
	Type    string           `json:"type"`
	Status  string           `json:"status"`
	Result  *ExecuteResponse `json:"result,omitempty"`
	Message string           `json:"message,omitempty"`
}

// ActionDescriptor describes one allowed action for list_actions.
type ActionDescriptor struct {
	RequiresApproval string `json:"requires_approval"`
	RateLimit        string `json:"rate_limit"`
	Description      string `json:"description"`
}

// ActionsList answers a list_actions request.
type ActionsList struct {
	Type    string                      `json:"type"`
	Actions map[string]ActionDescriptor `json:"actions"`
}

// KillResponse answers a kill request.
type KillResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
}

// KillStatus describes the kill switch in a status_response.
type KillStatus struct {
	Active bool           `json:"active"`
	Killed bool           `json:"killed"`
	Event  map[string]any `json:"kill_event,omitempty"`
}

// StatusResponse answers a status request.
type StatusResponse struct {
	Type             string         `json:"type"`
	Running          bool           `json:"running"`
	KillSwitch       KillStatus     `json:"kill_switch"`
	PendingApprovals int            `json:"pending_approvals"`
	AuditStats       map[string]any `json:"audit_stats,omitempty"`
	Timestamp        string         `json:"timestamp"`
}

// ErrorResponse reports a protocol-level failure.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Errorf builds an ErrorResponse with the standard type tag.
func Errorf(message string) *ErrorResponse {
	return &ErrorResponse{Type: TypeError, Message: message}
}
