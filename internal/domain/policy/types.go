// Package policy decides which actions the executor may perform, at what
// rate, and with what level of human involvement.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ApprovalLevel is the degree of human involvement an action requires.
type ApprovalLevel string

const (
	// ApprovalNone allows the action without human involvement.
	ApprovalNone ApprovalLevel = "none"
	// ApprovalNotify allows the action but notifies the operator.
	ApprovalNotify ApprovalLevel = "notify"
	// ApprovalApprove blocks the action until an operator approves it.
	ApprovalApprove ApprovalLevel = "approve"
)

// ActionPolicy describes one allowed action.
type ActionPolicy struct {
	// Approval is the required human-involvement level.
	Approval ApprovalLevel `yaml:"approval"`
	// RateLimit is a "<count>/<window>" budget, e.g. "10/hour".
	RateLimit string `yaml:"rate_limit"`
	// Description is shown to operators in action listings and
	// approval prompts.
	Description string `yaml:"description"`
	// Guard is an optional CEL expression over the request parameters.
	// When present it must evaluate to true for the action to proceed.
	Guard string `yaml:"guard,omitempty"`
}

// RequiresApproval reports whether the action needs an operator decision
// before execution. Notify-level actions involve the operator too; only
// none-level actions run without one.
func (p ActionPolicy) RequiresApproval() bool {
	return p.Approval != ApprovalNone
}

// DefaultActions returns the built-in action table. Callers get a fresh
// copy so overrides never mutate the defaults.
func DefaultActions() map[string]ActionPolicy {
	return map[string]ActionPolicy{
		"send_email": {
			Approval:    ApprovalApprove,
			RateLimit:   "10/hour",
			Description: "Send email via Gmail API",
		},
		"send_telegram": {
			Approval:    ApprovalApprove,
			RateLimit:   "50/hour",
			Description: "Send Telegram message",
		},
		"send_slack": {
			Approval:    ApprovalApprove,
			RateLimit:   "50/hour",
			Description: "Send Slack message",
		},
		"make_call": {
			Approval:    ApprovalApprove,
			RateLimit:   "5/hour",
			Description: "Make phone call via Twilio",
		},
		"send_sms": {
			Approval:    ApprovalApprove,
			RateLimit:   "20/hour",
			Description: "Send SMS via Twilio",
		},
		"read_email": {
			Approval:    ApprovalNone,
			RateLimit:   "100/hour",
			Description: "Read emails (no approval needed)",
		},
		"read_telegram": {
			Approval:    ApprovalNone,
			RateLimit:   "100/hour",
			Description: "Read Telegram messages",
		},
		"read_slack": {
			Approval:    ApprovalNone,
			RateLimit:   "100/hour",
			Description: "Read Slack messages",
		},
	}
}

// Rate is a parsed "<count>/<window>" budget.
type Rate struct {
	Count  int
	Window time.Duration
}

// ParseRate parses a budget string like "10/hour" or "5/minute".
func ParseRate(s string) (Rate, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Rate{}, fmt.Errorf("invalid rate limit %q: want <count>/<window>", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return Rate{}, fmt.Errorf("invalid rate limit count in %q", s)
	}

	var window time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		return Rate{}, fmt.Errorf("invalid rate limit window in %q", s)
	}
	return Rate{Count: count, Window: window}, nil
}

// Error codes carried in decisions and on the wire.
const (
	ErrCodeActionNotAllowed = "action_not_allowed"
	ErrCodeRateLimited      = "rate_limited"
)

// Decision is the outcome of a policy check.
type Decision struct {
	// Allowed reports whether the action may proceed.
	Allowed bool
	// Error is the taxonomy code when the action is denied.
	Error string
	// Message is a human-readable explanation for denials.
	Message string
	// Approval is the required level when the action is allowed.
	Approval ApprovalLevel
	// Description echoes the action description when allowed.
	Description string
}
