package killswitch

import (
	"fmt"
	"sync"
	"time"
)

// anomalyWindow is the sliding window over which per-action volume is
// measured.
const anomalyWindow = time.Minute

// defaultThreshold applies to actions without an explicit threshold.
const defaultThreshold = 100

// defaultThresholds is the per-minute volume ceiling per action. A burst
// above the ceiling indicates a runaway or compromised caller, not
// ordinary load, so the response is a full kill rather than a denial.
func defaultThresholds() map[string]int {
	return map[string]int{
		"send_email":    20,
		"send_sms":      30,
		"make_call":     10,
		"send_telegram": 50,
		"send_slack":    50,
	}
}

// AnomalyDetector counts action volume in a sliding window and trips the
// kill switch when any action exceeds its threshold.
type AnomalyDetector struct {
	killSwitch *KillSwitch
	thresholds map[string]int
	now        func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// DetectorOption configures an AnomalyDetector.
type DetectorOption func(*AnomalyDetector)

// WithThresholds replaces the default per-action thresholds.
func WithThresholds(thresholds map[string]int) DetectorOption {
	return func(d *AnomalyDetector) { d.thresholds = thresholds }
}

// WithDetectorClock overrides the time source. Used in tests.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *AnomalyDetector) { d.now = now }
}

// NewAnomalyDetector wires a detector to the kill switch it trips.
func NewAnomalyDetector(ks *KillSwitch, opts ...DetectorOption) *AnomalyDetector {
	d := &AnomalyDetector{
		killSwitch: ks,
		thresholds: defaultThresholds(),
		now:        time.Now,
		windows:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RecordAction counts one occurrence of the action. Returns false, after
// tripping the kill switch, when the action's volume in the last minute
// exceeds its threshold.
func (d *AnomalyDetector) RecordAction(action string) bool {
	d.mu.Lock()
	now := d.now()
	cutoff := now.Add(-anomalyWindow)

	window := d.windows[action]
	pruned := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	d.windows[action] = pruned
	count := len(pruned)
	d.mu.Unlock()

	threshold, ok := d.thresholds[action]
	if !ok {
		threshold = defaultThreshold
	}

	if count > threshold {
		d.killSwitch.Trigger(
			ReasonRateLimitExceeded,
			fmt.Sprintf("Action '%s' exceeded rate limit: %d/%d per minute", action, count, threshold),
			"anomaly_detector",
		)
		return false
	}
	return true
}
