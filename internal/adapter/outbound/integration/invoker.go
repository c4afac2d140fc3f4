// Package integration dispatches approved actions to their external
// integrations. The current integrations are stubs that acknowledge the
// dispatch; the real Gmail, Telegram, Slack, and Twilio calls plug in
// behind the same signature.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/moltbot/moltbroker/internal/service"
)

// requiredCredentials names the credential each integration cannot run
// without. Actions absent from this table dispatch generically.
var requiredCredentials = map[string]string{
	"send_email":    "gmail_token",
	"read_email":    "gmail_token",
	"send_telegram": "telegram_bot_token",
	"read_telegram": "telegram_bot_token",
	"send_slack":    "slack_token",
	"read_slack":    "slack_token",
	"send_sms":      "twilio_auth_token",
	"make_call":     "twilio_auth_token",
}

// Invoker routes actions to their integrations.
type Invoker struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates the integration invoker.
func New(logger *slog.Logger) *Invoker {
	return &Invoker{logger: logger, now: time.Now}
}

// Invoke dispatches one action and returns the integration outcome. The
// policy engine has already vetted the action name; unknown actions get
// the generic acknowledgement.
func (i *Invoker) Invoke(_ context.Context, action string, params map[string]any, credentials map[string]string) (map[string]any, error) {
	if key, ok := requiredCredentials[action]; ok {
		if credentials[key] == "" {
			return nil, fmt.Errorf("missing credential %q for %s", key, action)
		}
	}

	i.logger.Info("dispatching action", "action", action, "params", len(params))
	return map[string]any{
		"executed":  true,
		"action":    action,
		"timestamp": i.now().UTC().Format(time.RFC3339Nano),
	}, nil
}

var _ service.Invoker = (*Invoker)(nil)
