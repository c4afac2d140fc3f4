// Package approval manages the out-of-band human confirmation flow:
// pending requests, the operator channel, decisions, and expiry.
package approval

import "context"

// MessageRef identifies a sent approval prompt so it can be edited when
// the request is decided or expires.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// Callback is an operator's button press on an approval prompt.
type Callback struct {
	// ID identifies the callback for acknowledgement.
	ID string
	// Data is the button payload, "approve:<id>" or "reject:<id>".
	Data string
	// User is the operator's display name.
	User string
}

// Update is one inbound event from the operator channel.
type Update struct {
	UpdateID int64
	Callback *Callback
}

// Messenger is the operator channel the manager speaks through. The
// production implementation is the Telegram Bot API adapter; tests use an
// in-memory fake.
type Messenger interface {
	// SendApproval delivers an approval prompt with approve/reject
	// buttons derived from approvalID.
	SendApproval(ctx context.Context, chatID int64, text, approvalID string) (MessageRef, error)

	// Updates long-polls for events with update id >= offset.
	Updates(ctx context.Context, offset int64) ([]Update, error)

	// AnswerCallback acknowledges a button press with a short notice.
	AnswerCallback(ctx context.Context, callbackID, text string) error

	// EditMessage rewrites a previously sent prompt.
	EditMessage(ctx context.Context, ref MessageRef, text string) error
}
