// Package telegram implements the approval.Messenger port against the
// Telegram Bot API. Only the four calls the approval flow needs are
// wrapped: sendMessage, getUpdates, answerCallbackQuery, editMessageText.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/moltbot/moltbroker/internal/domain/approval"
)

// defaultAPIBase is the Bot API endpoint prefix.
const defaultAPIBase = "https://api.telegram.org"

// longPollTimeout is the getUpdates server-side wait, in seconds.
const longPollTimeout = 30

// Messenger talks to one bot identified by its token.
type Messenger struct {
	apiBase string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithAPIBase overrides the API endpoint. Used in tests against a local
// httptest server.
func WithAPIBase(base string) Option {
	return func(m *Messenger) { m.apiBase = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Messenger) { m.client = client }
}

// New creates a messenger for the given bot token.
func New(token string, logger *slog.Logger, opts ...Option) *Messenger {
	m := &Messenger{
		apiBase: defaultAPIBase,
		token:   token,
		// The client timeout must exceed the long-poll wait.
		client: &http.Client{Timeout: (longPollTimeout + 10) * time.Second},
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// call posts a JSON payload to one Bot API method and decodes the result
// into out when non-nil.
func (m *Messenger) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", m.apiBase, m.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("telegram %s: parse response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s: api error: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram %s: parse result: %w", method, err)
		}
	}
	return nil
}

// inlineButton is one button in an inline keyboard row.
type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// SendApproval sends the prompt with Approve/Reject buttons keyed to the
// approval id.
func (m *Messenger) SendApproval(ctx context.Context, chatID int64, text, approvalID string) (approval.MessageRef, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
		"reply_markup": map[string]any{
			"inline_keyboard": [][]inlineButton{{
				{Text: "Approve", CallbackData: "approve:" + approvalID},
				{Text: "Reject", CallbackData: "reject:" + approvalID},
			}},
		},
	}

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := m.call(ctx, "sendMessage", payload, &result); err != nil {
		return approval.MessageRef{}, err
	}
	return approval.MessageRef{ChatID: chatID, MessageID: result.MessageID}, nil
}

// update mirrors the Bot API update shape for the fields the approval
// flow consumes.
type update struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
	} `json:"callback_query"`
}

// Updates long-polls getUpdates starting at offset.
func (m *Messenger) Updates(ctx context.Context, offset int64) ([]approval.Update, error) {
	payload := map[string]any{
		"timeout":         longPollTimeout,
		"allowed_updates": []string{"callback_query"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}

	var result []update
	if err := m.call(ctx, "getUpdates", payload, &result); err != nil {
		return nil, err
	}

	out := make([]approval.Update, 0, len(result))
	for _, u := range result {
		converted := approval.Update{UpdateID: u.UpdateID}
		if u.CallbackQuery != nil {
			user := u.CallbackQuery.From.Username
			if user == "" {
				user = u.CallbackQuery.From.FirstName
			}
			converted.Callback = &approval.Callback{
				ID:   u.CallbackQuery.ID,
				Data: u.CallbackQuery.Data,
				User: user,
			}
		}
		out = append(out, converted)
	}
	return out, nil
}

// AnswerCallback acknowledges a button press with a toast notice.
func (m *Messenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return m.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

// EditMessage rewrites a previously sent prompt.
func (m *Messenger) EditMessage(ctx context.Context, ref approval.MessageRef, text string) error {
	return m.call(ctx, "editMessageText", map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
		"text":       text,
		"parse_mode": "Markdown",
	}, nil)
}

var _ approval.Messenger = (*Messenger)(nil)
