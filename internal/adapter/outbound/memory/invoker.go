package memory

import (
	"context"
	"sync"
	"time"
)

// InvokerCall records one dispatched action.
type InvokerCall struct {
	Action      string
	Params      map[string]any
	Credentials map[string]string
}

// Invoker is an in-memory service.Invoker. Tests seed per-action results
// or errors and inspect the calls that reached it.
type Invoker struct {
	mu      sync.Mutex
	calls   []InvokerCall
	results map[string]map[string]any
	errs    map[string]error
}

// NewInvoker creates an invoker that answers every action with a generic
// executed result until seeded otherwise.
func NewInvoker() *Invoker {
	return &Invoker{
		results: make(map[string]map[string]any),
		errs:    make(map[string]error),
	}
}

// SetResult seeds the result for an action.
func (i *Invoker) SetResult(action string, result map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.results[action] = result
}

// SetError makes an action fail.
func (i *Invoker) SetError(action string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errs[action] = err
}

// Invoke records the call and returns the seeded outcome.
func (i *Invoker) Invoke(_ context.Context, action string, params map[string]any, credentials map[string]string) (map[string]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, InvokerCall{Action: action, Params: params, Credentials: credentials})

	if err := i.errs[action]; err != nil {
		return nil, err
	}
	if result, ok := i.results[action]; ok {
		return result, nil
	}
	return map[string]any{
		"executed":  true,
		"action":    action,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Calls returns a copy of the recorded calls.
func (i *Invoker) Calls() []InvokerCall {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]InvokerCall, len(i.calls))
	copy(out, i.calls)
	return out
}

// CallCount returns how many invocations reached the given action.
func (i *Invoker) CallCount(action string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, c := range i.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}
