package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// DefaultTimeout is how long a request stays pending before expiring.
const DefaultTimeout = 300 * time.Second

// pollErrorBackoff is the pause after a failed update poll.
const pollErrorBackoff = 5 * time.Second

// defaultSweepInterval is how often the expiry timer fires. It must stay
// well under the pending timeout so expiries are not gated on the
// operator channel's long-poll latency.
const defaultSweepInterval = time.Second

// Request is one pending approval.
type Request struct {
	ApprovalID string
	Action     string
	Params     map[string]any
	Requester  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     Status
	Message    MessageRef
	DecidedBy  string
	DecidedAt  time.Time
}

// NewApprovalID builds the base id for a request at the given time.
// Two requests for the same action within one second share this base;
// Manager.NewApprovalID disambiguates them.
func NewApprovalID(action string, now time.Time) string {
	return fmt.Sprintf("approval_%s_%s", now.UTC().Format("20060102150405"), action)
}

// Manager tracks pending approvals. It runs one goroutine polling the
// operator channel for decisions and one timer goroutine sweeping
// expiries, so expiry latency never depends on long-poll latency.
type Manager struct {
	messenger     Messenger
	chatID        int64
	timeout       time.Duration
	sweepInterval time.Duration
	onDecision    func(req Request, approved bool)
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]*Request
	idStamp string
	idSeq   map[string]int

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	offset   int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout overrides the pending-request expiry.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithSweepInterval overrides the expiry timer period. Used in tests.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithOnDecision sets the callback invoked once per terminal decision,
// with a snapshot of the decided request. Expiry counts as a rejection.
func WithOnDecision(fn func(req Request, approved bool)) ManagerOption {
	return func(m *Manager) { m.onDecision = fn }
}

// WithManagerClock overrides the time source. Used in tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager sending prompts to chatID. Call Start to
// begin polling for decisions.
func NewManager(messenger Messenger, chatID int64, logger *slog.Logger, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		messenger:     messenger,
		chatID:        chatID,
		timeout:       DefaultTimeout,
		sweepInterval: defaultSweepInterval,
		logger:        logger,
		now:           time.Now,
		pending:       make(map[string]*Request),
		idSeq:         make(map[string]int),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the decision poller and the expiry timer.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.poll()
	go m.sweepLoop()
}

// NewApprovalID returns a unique id for a new request. When several
// requests for one action land within the same second, later ones get a
// numeric suffix so an id never silently replaces a live pending entry.
func (m *Manager) NewApprovalID(action string) string {
	now := m.now().UTC()
	stamp := now.Format("20060102150405")

	m.mu.Lock()
	defer m.mu.Unlock()
	if stamp != m.idStamp {
		m.idStamp = stamp
		clear(m.idSeq)
	}
	n := m.idSeq[action]
	m.idSeq[action] = n + 1

	id := NewApprovalID(action, now)
	if n > 0 {
		id = fmt.Sprintf("%s_%d", id, n)
	}
	return id
}

// Stop cancels the background goroutines and waits for them to exit.
// Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.cancel)
	m.wg.Wait()
}

// Submit registers a new pending request and sends the operator prompt.
// The returned request is a snapshot.
func (m *Manager) Submit(ctx context.Context, approvalID, action string, params map[string]any, requester string) (Request, error) {
	now := m.now().UTC()
	req := &Request{
		ApprovalID: approvalID,
		Action:     action,
		Params:     params,
		Requester:  requester,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.timeout),
		Status:     StatusPending,
	}

	ref, err := m.messenger.SendApproval(ctx, m.chatID, formatPrompt(req), approvalID)
	if err != nil {
		return Request{}, fmt.Errorf("send approval prompt: %w", err)
	}
	req.Message = ref

	m.mu.Lock()
	m.pending[approvalID] = req
	m.mu.Unlock()

	m.logger.Info("approval requested",
		"approval_id", approvalID, "action", action, "requester", requester)
	return *req, nil
}

// formatPrompt renders the operator-facing approval message.
func formatPrompt(req *Request) string {
	params, err := json.MarshalIndent(req.Params, "", "  ")
	if err != nil {
		params = []byte("{}")
	}
	return fmt.Sprintf(
		"**APPROVAL REQUEST**\n\n"+
			"Action: `%s`\n"+
			"Requester: %s\n"+
			"Time: %s\n"+
			"Expires: %s\n\n"+
			"Parameters:\n```\n%s\n```\n\n"+
			"ID: `%s`",
		req.Action,
		req.Requester,
		req.CreatedAt.Format("2006-01-02 15:04:05 UTC"),
		req.ExpiresAt.Format("15:04:05 UTC"),
		params,
		req.ApprovalID,
	)
}

// Resolve applies a terminal decision to a pending request. Returns false
// when the id is unknown, already decided, or expired. Used both by the
// operator-channel callback path and by decisions arriving over the wire.
func (m *Manager) Resolve(approvalID string, approved bool, decidedBy string) bool {
	m.mu.Lock()
	req, ok := m.pending[approvalID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if m.now().After(req.ExpiresAt) {
		m.expireLocked(req)
		snapshot := *req
		m.mu.Unlock()
		m.notify(snapshot, false)
		return false
	}

	if approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusRejected
	}
	req.DecidedBy = decidedBy
	req.DecidedAt = m.now().UTC()
	delete(m.pending, approvalID)
	snapshot := *req
	m.mu.Unlock()

	m.logger.Info("approval decided",
		"approval_id", approvalID, "status", snapshot.Status, "decided_by", decidedBy)
	m.editPrompt(&snapshot, fmt.Sprintf("Status: %s by @%s",
		strings.ToUpper(string(snapshot.Status)), decidedBy))
	m.notify(snapshot, approved)
	return true
}

// Claim atomically removes a live pending request without invoking the
// decision callback. Used when the caller executes the approved action
// itself and handles its own auditing. Returns false when the id is
// unknown, already decided, or expired. At most one concurrent caller
// wins the claim, so one approval can never authorize two executions.
func (m *Manager) Claim(approvalID string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[approvalID]
	if !ok || m.now().After(req.ExpiresAt) {
		return Request{}, false
	}
	delete(m.pending, approvalID)
	return *req, true
}

// Restore re-registers a claimed request after a failed execution so the
// approval can be retried until it expires.
func (m *Manager) Restore(req Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now().After(req.ExpiresAt) {
		return
	}
	restored := req
	m.pending[req.ApprovalID] = &restored
}

// SetOnDecision installs the decision callback after construction. The
// manager and its consumer reference each other, so one of them has to
// be wired late.
func (m *Manager) SetOnDecision(fn func(req Request, approved bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDecision = fn
}

// IsPending reports whether an id refers to a live pending request. The
// executor accepts an execute only for ids it knows about.
func (m *Manager) IsPending(approvalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[approvalID]
	return ok && !m.now().After(req.ExpiresAt)
}

// PendingCount returns the number of live requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Cancel administratively removes a pending request without invoking the
// decision callback.
func (m *Manager) Cancel(approvalID string) bool {
	m.mu.Lock()
	req, ok := m.pending[approvalID]
	if ok {
		delete(m.pending, approvalID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	snapshot := *req
	m.editPrompt(&snapshot, "Status: CANCELLED")
	m.logger.Info("approval cancelled", "approval_id", approvalID)
	return true
}

// poll long-polls the operator channel and applies callbacks. Expiries
// are swept by sweepLoop so a quiet channel cannot delay them.
func (m *Manager) poll() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		updates, err := m.messenger.Updates(m.ctx, m.offset+1)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("approval poll error", "error", err)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID > m.offset {
				m.offset = u.UpdateID
			}
			if u.Callback != nil {
				m.handleCallback(u.Callback)
			}
		}
	}
}

// sweepLoop expires overdue requests on a fixed timer, independent of
// operator-channel traffic.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// handleCallback processes one operator button press.
func (m *Manager) handleCallback(cb *Callback) {
	verb, approvalID, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	var approved bool
	switch verb {
	case "approve":
		approved = true
	case "reject":
		approved = false
	default:
		return
	}

	user := cb.User
	if user == "" {
		user = "unknown"
	}

	if !m.Resolve(approvalID, approved, user) {
		m.answer(cb.ID, "This request has expired or was already processed.")
		return
	}
	if approved {
		m.answer(cb.ID, "APPROVED by @"+user)
	} else {
		m.answer(cb.ID, "REJECTED by @"+user)
	}
}

// sweepExpired expires overdue requests and notifies them as rejections.
func (m *Manager) sweepExpired() {
	now := m.now()

	m.mu.Lock()
	var expired []*Request
	for _, req := range m.pending {
		if now.After(req.ExpiresAt) {
			m.expireLocked(req)
			expired = append(expired, req)
		}
	}
	m.mu.Unlock()

	for _, req := range expired {
		m.logger.Info("approval expired", "approval_id", req.ApprovalID, "action", req.Action)
		snapshot := *req
		m.editPrompt(&snapshot, "Status: EXPIRED")
		m.notify(snapshot, false)
	}
}

// expireLocked marks a request expired and drops it. Must be called with
// m.mu held.
func (m *Manager) expireLocked(req *Request) {
	req.Status = StatusExpired
	delete(m.pending, req.ApprovalID)
}

// notify invokes the decision callback if configured.
func (m *Manager) notify(req Request, approved bool) {
	m.mu.Lock()
	fn := m.onDecision
	m.mu.Unlock()
	if fn != nil {
		fn(req, approved)
	}
}

// editPrompt appends a status line to the original prompt. Edit failures
// only cost prompt freshness.
func (m *Manager) editPrompt(req *Request, statusLine string) {
	if req.Message.MessageID == 0 {
		return
	}
	text := formatPrompt(req) + "\n\n**" + statusLine + "**"
	if err := m.messenger.EditMessage(m.ctx, req.Message, text); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("failed to edit approval prompt", "approval_id", req.ApprovalID, "error", err)
	}
}

// answer acknowledges a callback press.
func (m *Manager) answer(callbackID, text string) {
	if err := m.messenger.AnswerCallback(m.ctx, callbackID, text); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("failed to answer callback", "error", err)
	}
}
