package service

import "context"

// Invoker performs the external side effect for an action: the mail,
// chat, and telephony integrations live behind this port. Errors are
// returned, never panicked; the executor maps them to
// integration_failure on the wire.
type Invoker interface {
	Invoke(ctx context.Context, action string, params map[string]any, credentials map[string]string) (map[string]any, error)
}
