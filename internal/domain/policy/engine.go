package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Engine checks requested actions against the action table, enforces
// per-action rate budgets over a sliding window, and evaluates optional
// CEL parameter guards.
type Engine struct {
	actions map[string]ActionPolicy
	rates   map[string]Rate
	guards  *GuardEvaluator
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithActions replaces the default action table.
func WithActions(actions map[string]ActionPolicy) EngineOption {
	return func(e *Engine) { e.actions = actions }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds a policy engine over the default action table. Rate
// strings and guard expressions are validated eagerly so a bad override
// file fails at startup instead of at request time.
func NewEngine(logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	guards, err := NewGuardEvaluator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		actions: DefaultActions(),
		guards:  guards,
		logger:  logger,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.rates = make(map[string]Rate, len(e.actions))
	for name, pol := range e.actions {
		rate, err := ParseRate(pol.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", name, err)
		}
		e.rates[name] = rate
		if pol.Guard != "" {
			if err := e.guards.Validate(pol.Guard); err != nil {
				return nil, fmt.Errorf("action %q: %w", name, err)
			}
		}
	}
	return e, nil
}

// CheckAction decides whether an action may proceed. Order is fixed:
// unknown actions are rejected before rate accounting, so probing for
// nonexistent actions never consumes budget. A denial never consumes
// budget either; only an allowed decision records a use.
func (e *Engine) CheckAction(action string, params map[string]any) Decision {
	pol, ok := e.actions[action]
	if !ok {
		return Decision{
			Allowed: false,
			Error:   ErrCodeActionNotAllowed,
			Message: fmt.Sprintf("Action '%s' is not in the allowed actions list", action),
		}
	}

	if pol.Guard != "" {
		passed, err := e.guards.Evaluate(pol.Guard, action, params)
		if err != nil {
			e.logger.Warn("guard evaluation error", "action", action, "error", err)
		}
		if err != nil || !passed {
			return Decision{
				Allowed: false,
				Error:   ErrCodeActionNotAllowed,
				Message: fmt.Sprintf("Action '%s' rejected by parameter guard", action),
			}
		}
	}

	if !e.recordUse(action) {
		return Decision{
			Allowed: false,
			Error:   ErrCodeRateLimited,
			Message: fmt.Sprintf("Rate limit exceeded for '%s': %s", action, pol.RateLimit),
		}
	}

	return Decision{
		Allowed:     true,
		Approval:    pol.Approval,
		Description: pol.Description,
	}
}

// Lookup returns the policy for an action.
func (e *Engine) Lookup(action string) (ActionPolicy, bool) {
	pol, ok := e.actions[action]
	return pol, ok
}

// Actions returns the action names in sorted order.
func (e *Engine) Actions() []string {
	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// recordUse prunes expired uses from the action's window and, if budget
// remains, records this use. Uses slide out of the window as time passes,
// so the budget replenishes continuously rather than never.
func (e *Engine) recordUse(action string) bool {
	rate := e.rates[action]
	now := e.now()
	cutoff := now.Add(-rate.Window)

	e.mu.Lock()
	defer e.mu.Unlock()

	window := e.windows[action]
	pruned := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	if len(pruned) >= rate.Count {
		e.windows[action] = pruned
		return false
	}
	e.windows[action] = append(pruned, now)
	return true
}

// ResetRateLimits clears all rate windows.
func (e *Engine) ResetRateLimits() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows = make(map[string][]time.Time)
}
