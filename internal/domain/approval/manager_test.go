package approval_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/moltbot/moltbroker/internal/adapter/outbound/memory"
	"github.com/moltbot/moltbroker/internal/domain/approval"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// decisionRecorder collects decision callbacks.
type decisionRecorder struct {
	mu        sync.Mutex
	decisions map[string]bool
	signal    chan struct{}
}

func newDecisionRecorder() *decisionRecorder {
	return &decisionRecorder{
		decisions: make(map[string]bool),
		signal:    make(chan struct{}, 16),
	}
}

func (r *decisionRecorder) record(req approval.Request, approved bool) {
	r.mu.Lock()
	r.decisions[req.ApprovalID] = approved
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *decisionRecorder) get(id string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.decisions[id]
	return v, ok
}

func (r *decisionRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a decision")
	}
}

func TestNewApprovalID_Format(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	id := approval.NewApprovalID("send_email", now)
	if id != "approval_20260825143005_send_email" {
		t.Errorf("NewApprovalID() = %q", id)
	}
}

func TestManager_SubmitSendsPrompt(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	mgr := approval.NewManager(messenger, 42, testLogger())

	req, err := mgr.Submit(context.Background(), "approval_x_send_email", "send_email",
		map[string]any{"to": "ops@example.com"}, "zone2")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if req.Status != approval.StatusPending {
		t.Errorf("Status = %q, want pending", req.Status)
	}
	if mgr.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", mgr.PendingCount())
	}

	sent := messenger.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d prompts, want 1", len(sent))
	}
	if sent[0].Ref.ChatID != 42 {
		t.Errorf("chat id = %d, want 42", sent[0].Ref.ChatID)
	}
	for _, want := range []string{"APPROVAL REQUEST", "send_email", "zone2", "approval_x_send_email"} {
		if !strings.Contains(sent[0].Text, want) {
			t.Errorf("prompt missing %q:\n%s", want, sent[0].Text)
		}
	}
}

func TestManager_OperatorApproves(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	rec := newDecisionRecorder()
	mgr := approval.NewManager(messenger, 1, testLogger(), approval.WithOnDecision(rec.record))
	mgr.Start()
	defer mgr.Stop()

	if _, err := mgr.Submit(context.Background(), "a1", "send_email", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	messenger.PressButton("approve:a1", "alice")
	rec.wait(t)

	approved, ok := rec.get("a1")
	if !ok || !approved {
		t.Fatalf("decision = (%v, %v), want approved", approved, ok)
	}
	if mgr.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after decision, want 0", mgr.PendingCount())
	}

	answers := messenger.Answers()
	if len(answers) == 0 || !strings.Contains(answers[0], "APPROVED by @alice") {
		t.Errorf("answers = %v, want APPROVED by @alice", answers)
	}
}

func TestManager_OperatorRejects(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	rec := newDecisionRecorder()
	mgr := approval.NewManager(messenger, 1, testLogger(), approval.WithOnDecision(rec.record))
	mgr.Start()
	defer mgr.Stop()

	if _, err := mgr.Submit(context.Background(), "a2", "make_call", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	messenger.PressButton("reject:a2", "bob")
	rec.wait(t)

	approved, ok := rec.get("a2")
	if !ok || approved {
		t.Fatalf("decision = (%v, %v), want rejected", approved, ok)
	}
}

func TestManager_UnknownCallbackAcknowledged(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	mgr := approval.NewManager(messenger, 1, testLogger())
	mgr.Start()
	defer mgr.Stop()

	messenger.PressButton("approve:nope", "alice")

	deadline := time.After(2 * time.Second)
	for {
		answers := messenger.Answers()
		if len(answers) > 0 {
			if !strings.Contains(answers[0], "expired or was already processed") {
				t.Errorf("answer = %q", answers[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no acknowledgement for unknown approval id")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManager_ExpiryNotifiesAsRejection(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	rec := newDecisionRecorder()
	mgr := approval.NewManager(messenger, 1, testLogger(),
		approval.WithTimeout(20*time.Millisecond),
		approval.WithOnDecision(rec.record),
	)
	mgr.Start()
	defer mgr.Stop()

	if _, err := mgr.Submit(context.Background(), "a3", "send_sms", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec.wait(t)
	approved, ok := rec.get("a3")
	if !ok || approved {
		t.Fatalf("expiry decision = (%v, %v), want rejected", approved, ok)
	}
	if mgr.IsPending("a3") {
		t.Error("expired request still pending")
	}
}

// blockedMessenger accepts prompts but its Updates call never returns
// until the context is cancelled, like a long-poll with no traffic.
type blockedMessenger struct{}

func (blockedMessenger) SendApproval(_ context.Context, chatID int64, _, _ string) (approval.MessageRef, error) {
	return approval.MessageRef{ChatID: chatID, MessageID: 1}, nil
}

func (blockedMessenger) Updates(ctx context.Context, _ int64) ([]approval.Update, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedMessenger) AnswerCallback(context.Context, string, string) error { return nil }

func (blockedMessenger) EditMessage(context.Context, approval.MessageRef, string) error { return nil }

func TestManager_ExpiresWhileLongPollBlocked(t *testing.T) {
	t.Parallel()

	rec := newDecisionRecorder()
	mgr := approval.NewManager(blockedMessenger{}, 1, testLogger(),
		approval.WithTimeout(30*time.Millisecond),
		approval.WithSweepInterval(10*time.Millisecond),
		approval.WithOnDecision(rec.record),
	)
	mgr.Start()
	defer mgr.Stop()

	start := time.Now()
	if _, err := mgr.Submit(context.Background(), "a8", "send_email", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	// The operator channel never yields, so only the expiry timer can
	// deliver this decision.
	rec.wait(t)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expiry took %v, want well under a second", elapsed)
	}
	if approved, ok := rec.get("a8"); !ok || approved {
		t.Fatalf("decision = (%v, %v), want rejected by expiry", approved, ok)
	}
}

func TestManager_NewApprovalIDUniqueWithinSecond(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	mgr := approval.NewManager(memory.NewMessenger(), 1, testLogger(),
		approval.WithManagerClock(func() time.Time { return fixed }))

	first := mgr.NewApprovalID("send_email")
	if first != "approval_20260825143005_send_email" {
		t.Errorf("first id = %q", first)
	}
	other := mgr.NewApprovalID("make_call")
	if other != "approval_20260825143005_make_call" {
		t.Errorf("other action id = %q", other)
	}

	seen := map[string]bool{first: true, other: true}
	for i := 0; i < 3; i++ {
		id := mgr.NewApprovalID("send_email")
		if seen[id] {
			t.Fatalf("duplicate id %q on same-second repeat", id)
		}
		if !strings.HasPrefix(id, "approval_20260825143005_send_email_") {
			t.Errorf("repeat id = %q, want suffixed base", id)
		}
		seen[id] = true
	}
}

func TestManager_ClaimHasSingleWinner(t *testing.T) {
	t.Parallel()

	mgr := approval.NewManager(memory.NewMessenger(), 1, testLogger())
	if _, err := mgr.Submit(context.Background(), "c1", "send_email", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	var wg sync.WaitGroup
	wins := make([]bool, 8)
	for i := range wins {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, wins[i] = mgr.Claim("c1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("claim winners = %d, want 1", winners)
	}
	if mgr.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after claim, want 0", mgr.PendingCount())
	}
}

func TestManager_RestoreRevivesClaimedRequest(t *testing.T) {
	t.Parallel()

	mgr := approval.NewManager(memory.NewMessenger(), 1, testLogger())
	if _, err := mgr.Submit(context.Background(), "c2", "send_sms", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	claimed, ok := mgr.Claim("c2")
	if !ok {
		t.Fatal("Claim() lost a live request")
	}
	if mgr.IsPending("c2") {
		t.Fatal("request still pending after claim")
	}

	mgr.Restore(claimed)
	if !mgr.IsPending("c2") {
		t.Fatal("request not pending after restore")
	}
	if _, ok := mgr.Claim("c2"); !ok {
		t.Fatal("restored request cannot be claimed again")
	}
}

func TestManager_ClaimExpiredFails(t *testing.T) {
	t.Parallel()

	current := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	mgr := approval.NewManager(memory.NewMessenger(), 1, testLogger(),
		approval.WithTimeout(time.Minute),
		approval.WithManagerClock(now))

	if _, err := mgr.Submit(context.Background(), "c3", "make_call", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	if _, ok := mgr.Claim("c3"); ok {
		t.Fatal("Claim() won an expired request")
	}
}

func TestManager_ResolveDirect(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	rec := newDecisionRecorder()
	mgr := approval.NewManager(messenger, 1, testLogger(), approval.WithOnDecision(rec.record))

	if _, err := mgr.Submit(context.Background(), "a4", "send_slack", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	if !mgr.Resolve("a4", true, "console") {
		t.Fatal("Resolve() returned false for pending request")
	}
	if mgr.Resolve("a4", true, "console") {
		t.Fatal("Resolve() returned true for already decided request")
	}
	if approved, ok := rec.get("a4"); !ok || !approved {
		t.Fatalf("decision = (%v, %v), want approved", approved, ok)
	}
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	rec := newDecisionRecorder()
	mgr := approval.NewManager(messenger, 1, testLogger(), approval.WithOnDecision(rec.record))

	if _, err := mgr.Submit(context.Background(), "a5", "send_email", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if !mgr.Cancel("a5") {
		t.Fatal("Cancel() returned false for pending request")
	}
	if mgr.Cancel("a5") {
		t.Fatal("Cancel() returned true twice")
	}
	if _, ok := rec.get("a5"); ok {
		t.Error("cancel invoked the decision callback")
	}
	if mgr.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after cancel", mgr.PendingCount())
	}
}

func TestManager_PromptEditedOnDecision(t *testing.T) {
	t.Parallel()

	messenger := memory.NewMessenger()
	mgr := approval.NewManager(messenger, 1, testLogger())

	if _, err := mgr.Submit(context.Background(), "a6", "send_email", nil, "zone2"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	mgr.Resolve("a6", false, "carol")

	sent := messenger.Sent()
	edit, ok := messenger.Edit(sent[0].Ref.MessageID)
	if !ok {
		t.Fatal("prompt was not edited after decision")
	}
	if !strings.Contains(edit, "REJECTED by @carol") {
		t.Errorf("edit = %q, want rejected status line", edit)
	}
}
