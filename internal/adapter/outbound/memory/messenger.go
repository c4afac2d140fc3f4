// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/moltbot/moltbroker/internal/domain/approval"
)

// SentMessage records one prompt delivered through the fake messenger.
type SentMessage struct {
	Ref        approval.MessageRef
	Text       string
	ApprovalID string
}

// Messenger is an in-memory approval.Messenger. Tests push operator
// button presses with PressButton and inspect delivered prompts.
type Messenger struct {
	mu         sync.Mutex
	nextMsgID  int64
	nextUpdate int64
	sent       []SentMessage
	edits      map[int64]string
	answers    []string
	queue      []approval.Update
	notify     chan struct{}
}

// NewMessenger creates an empty fake messenger.
func NewMessenger() *Messenger {
	return &Messenger{
		edits:  make(map[int64]string),
		notify: make(chan struct{}, 1),
	}
}

// SendApproval records the prompt and returns a fresh message ref.
func (m *Messenger) SendApproval(_ context.Context, chatID int64, text, approvalID string) (approval.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsgID++
	ref := approval.MessageRef{ChatID: chatID, MessageID: m.nextMsgID}
	m.sent = append(m.sent, SentMessage{Ref: ref, Text: text, ApprovalID: approvalID})
	return ref, nil
}

// Updates returns queued updates with id >= offset, or blocks briefly
// until one arrives or ctx is done. The short poll keeps test loops
// responsive without busy-waiting.
func (m *Messenger) Updates(ctx context.Context, offset int64) ([]approval.Update, error) {
	for {
		m.mu.Lock()
		var out []approval.Update
		for _, u := range m.queue {
			if u.UpdateID >= offset {
				out = append(out, u)
			}
		}
		m.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		case <-time.After(10 * time.Millisecond):
			return nil, nil
		}
	}
}

// AnswerCallback records the acknowledgement text.
func (m *Messenger) AnswerCallback(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, text)
	return nil
}

// EditMessage records the latest text per message id.
func (m *Messenger) EditMessage(_ context.Context, ref approval.MessageRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits[ref.MessageID] = text
	return nil
}

// PressButton queues an operator button press for the poller to pick up.
func (m *Messenger) PressButton(data, user string) {
	m.mu.Lock()
	m.nextUpdate++
	m.queue = append(m.queue, approval.Update{
		UpdateID: m.nextUpdate,
		Callback: &approval.Callback{
			ID:   "cb",
			Data: data,
			User: user,
		},
	})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Sent returns a copy of the delivered prompts.
func (m *Messenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Answers returns a copy of the callback acknowledgements.
func (m *Messenger) Answers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.answers))
	copy(out, m.answers)
	return out
}

// Edit returns the last edit applied to a message id.
func (m *Messenger) Edit(messageID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.edits[messageID]
	return text, ok
}

var _ approval.Messenger = (*Messenger)(nil)
