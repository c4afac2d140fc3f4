package audit

import (
	"context"
	"fmt"
	"time"
)

// Log is the port the executor records events through.
// Interface owned by domain per hexagonal architecture.
type Log interface {
	// Record appends an entry to the chain and returns the stored event.
	Record(ctx context.Context, entry Entry) (*Event, error)

	// Close releases resources and syncs pending writes.
	Close() error
}

// Filter specifies query parameters for audit log queries.
// Zero values mean "no constraint".
type Filter struct {
	// Kind filters by event kind.
	Kind Kind
	// Action filters by action name.
	Action string
	// Actor filters by actor label.
	Actor string
	// Start is the inclusive lower bound on event time.
	Start time.Time
	// End is the inclusive upper bound on event time.
	End time.Time
	// Limit caps the number of results (default 100).
	Limit int
}

// VerifyError describes a single chain violation found during verification.
type VerifyError struct {
	File    string
	Line    int
	Message string
}

func (e VerifyError) String() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
}

// Stats summarizes the log contents.
type Stats struct {
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"by_type"`
	ChainValid  bool           `json:"chain_valid"`
}
