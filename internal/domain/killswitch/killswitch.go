// Package killswitch provides the emergency stop for the executor: a
// latched kill state with a reason taxonomy, a marker file for external
// tooling, a file-based trigger watcher, and message screening for kill
// words.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Reason classifies what triggered the kill.
type Reason string

const (
	ReasonManual            Reason = "manual"
	ReasonAnomalyDetected   Reason = "anomaly_detected"
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
	ReasonSecurityBreach    Reason = "security_breach"
	ReasonRemoteCommand     Reason = "remote_command"
	ReasonFileTrigger       Reason = "file_trigger"
)

// ParseReason maps a wire reason string to a Reason. Unknown strings map
// to security_breach so an unclassified trigger still halts the system.
func ParseReason(s string) Reason {
	switch Reason(strings.ToLower(s)) {
	case ReasonManual, ReasonAnomalyDetected, ReasonRateLimitExceeded,
		ReasonSecurityBreach, ReasonRemoteCommand, ReasonFileTrigger:
		return Reason(strings.ToLower(s))
	default:
		return ReasonSecurityBreach
	}
}

// killWords are phrases that trigger the kill switch when seen in the
// trigger file or in screened messages.
var killWords = []string{"KILLSWITCH", "EMERGENCY_STOP", "HALT_ALL"}

// Event records a single kill activation.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Reason      Reason    `json:"reason"`
	Details     string    `json:"details"`
	TriggeredBy string    `json:"triggered_by"`
}

// Status is a point-in-time snapshot of the switch.
type Status struct {
	Active bool   `json:"active"`
	Killed bool   `json:"killed"`
	Event  *Event `json:"kill_event,omitempty"`
}

// KillSwitch latches into a killed state on the first trigger and stays
// there until reset. Trigger is idempotent: concurrent triggers all
// observe the first event.
type KillSwitch struct {
	markerPath    string
	checkInterval time.Duration
	onKill        func(Event)
	logger        *slog.Logger

	mu        sync.Mutex
	killed    bool
	event     *Event
	callbacks []func()

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a KillSwitch.
type Option func(*KillSwitch)

// WithMarkerPath overrides the kill marker file location.
func WithMarkerPath(path string) Option {
	return func(k *KillSwitch) { k.markerPath = path }
}

// WithCheckInterval overrides the trigger-file poll interval.
func WithCheckInterval(d time.Duration) Option {
	return func(k *KillSwitch) { k.checkInterval = d }
}

// WithOnKill sets a callback invoked once per activation, before the
// registered shutdown callbacks.
func WithOnKill(fn func(Event)) Option {
	return func(k *KillSwitch) { k.onKill = fn }
}

// New creates a kill switch. A marker file left by a previous activation
// restores the killed state, so a kill survives a restart until an
// operator resets it. Call Start to begin watching the trigger file and
// Stop to halt the watcher.
func New(logger *slog.Logger, opts ...Option) *KillSwitch {
	k := &KillSwitch{
		markerPath:    "/tmp/moltbot-kill",
		checkInterval: time.Second,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.restoreFromMarker()
	return k
}

// restoreFromMarker rebuilds the killed state from a marker written by
// an earlier run.
func (k *KillSwitch) restoreFromMarker() {
	data, err := os.ReadFile(k.markerPath)
	if err != nil {
		return
	}
	event, ok := parseMarker(string(data))
	if !ok {
		return
	}
	k.killed = true
	k.event = &event
	k.logger.Warn("kill marker present, starting killed",
		"path", k.markerPath, "reason", event.Reason, "triggered_by", event.TriggeredBy)
}

// parseMarker reads the KILLED/TIME/BY/DETAILS lines writeMarker emits.
func parseMarker(content string) (Event, bool) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "KILLED: ") {
		return Event{}, false
	}
	event := Event{
		Timestamp: time.Now().UTC(),
		Reason:    ParseReason(strings.TrimPrefix(lines[0], "KILLED: ")),
	}
	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "TIME: "):
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, "TIME: ")); err == nil {
				event.Timestamp = ts
			}
		case strings.HasPrefix(line, "BY: "):
			event.TriggeredBy = strings.TrimPrefix(line, "BY: ")
		case strings.HasPrefix(line, "DETAILS: "):
			event.Details = strings.TrimPrefix(line, "DETAILS: ")
		}
	}
	return event, true
}

// Start launches the trigger-file watcher goroutine.
func (k *KillSwitch) Start() {
	k.wg.Add(1)
	go k.watchTriggerFile()
}

// Stop halts the watcher. Safe to call more than once.
func (k *KillSwitch) Stop() {
	k.stopOnce.Do(func() { close(k.stopChan) })
	k.wg.Wait()
}

// RegisterShutdownCallback adds a function run on activation, after the
// on-kill callback. Callbacks registered after activation do not run.
func (k *KillSwitch) RegisterShutdownCallback(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.callbacks = append(k.callbacks, fn)
}

// IsKilled reports whether the switch has latched.
func (k *KillSwitch) IsKilled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.killed
}

// Trigger latches the kill state and returns the activation event. If
// already killed it returns the original event untouched. Callbacks and
// the marker write happen outside the state lock so a slow callback
// cannot block status queries.
func (k *KillSwitch) Trigger(reason Reason, details, triggeredBy string) Event {
	k.mu.Lock()
	if k.killed && k.event != nil {
		event := *k.event
		k.mu.Unlock()
		return event
	}

	event := Event{
		Timestamp:   time.Now().UTC(),
		Reason:      reason,
		Details:     details,
		TriggeredBy: triggeredBy,
	}
	k.event = &event
	k.killed = true
	callbacks := make([]func(), len(k.callbacks))
	copy(callbacks, k.callbacks)
	k.mu.Unlock()

	k.logger.Error("kill switch triggered",
		"reason", reason, "details", details, "triggered_by", triggeredBy)

	if k.onKill != nil {
		k.safeCall(func() { k.onKill(event) }, "kill callback")
	}
	for _, fn := range callbacks {
		k.safeCall(fn, "shutdown callback")
	}
	k.writeMarker(event)

	return event
}

// safeCall runs fn and contains any panic so one failing callback cannot
// abort the shutdown sequence.
func (k *KillSwitch) safeCall(fn func(), label string) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error(label+" panicked", "panic", r)
		}
	}()
	fn()
}

// writeMarker persists the activation to the marker file so external
// tooling and restarts can see the kill.
func (k *KillSwitch) writeMarker(event Event) {
	content := fmt.Sprintf("KILLED: %s\nTIME: %s\nBY: %s\nDETAILS: %s\n",
		event.Reason,
		event.Timestamp.Format(time.RFC3339Nano),
		event.TriggeredBy,
		event.Details,
	)
	if err := os.WriteFile(k.markerPath, []byte(content), 0600); err != nil {
		k.logger.Error("failed to write kill marker", "path", k.markerPath, "error", err)
	}
}

// watchTriggerFile polls the marker path. An externally created file
// containing a kill word activates the switch.
func (k *KillSwitch) watchTriggerFile() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopChan:
			return
		case <-ticker.C:
			if k.IsKilled() {
				continue
			}
			data, err := os.ReadFile(k.markerPath)
			if err != nil {
				continue
			}
			content := strings.TrimSpace(string(data))
			if containsKillWord(strings.ToUpper(content)) {
				detail := content
				if len(detail) > 100 {
					detail = detail[:100]
				}
				k.Trigger(ReasonFileTrigger, "Kill file detected: "+detail, "file_watcher")
			}
		}
	}
}

// CheckMessage screens an inbound message for kill words. Spaces are
// folded to underscores so "emergency stop" matches EMERGENCY_STOP.
// Returns true and triggers the switch when a kill word is found.
func (k *KillSwitch) CheckMessage(message, sender string) bool {
	upper := strings.ReplaceAll(strings.ToUpper(message), " ", "_")
	for _, word := range killWords {
		if strings.Contains(upper, word) {
			k.Trigger(ReasonRemoteCommand, "Kill word detected in message: "+word, sender)
			return true
		}
	}
	return false
}

// containsKillWord reports whether upper contains any kill word.
func containsKillWord(upper string) bool {
	for _, word := range killWords {
		if strings.Contains(upper, word) {
			return true
		}
	}
	return false
}

// Reset clears the killed state and removes the marker file. Returns
// false when the switch is not killed.
func (k *KillSwitch) Reset(authorizedBy string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.killed {
		return false
	}
	k.killed = false
	k.event = nil

	if err := os.Remove(k.markerPath); err != nil && !os.IsNotExist(err) {
		k.logger.Warn("failed to remove kill marker", "path", k.markerPath, "error", err)
	}
	k.logger.Warn("kill switch reset", "authorized_by", authorizedBy)
	return true
}

// GetStatus returns a snapshot of the switch state.
func (k *KillSwitch) GetStatus() Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	status := Status{Active: true, Killed: k.killed}
	if k.event != nil {
		event := *k.event
		status.Event = &event
	}
	return status
}
