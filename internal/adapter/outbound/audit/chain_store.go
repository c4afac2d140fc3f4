// Package audit provides the file-based, hash-chained audit store:
// JSON Lines events partitioned by UTC date, a sidecar file carrying the
// chain tail across restarts, full-chain verification, and filtered query.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/moltbot/moltbroker/internal/domain/audit"
)

// ChainFileName is the sidecar holding the last chain hash.
const ChainFileName = "audit-chain.json"

// auditFilePattern matches daily audit log filenames: audit-YYYY-MM-DD.jsonl
var auditFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// chainState is the persisted sidecar format.
type chainState struct {
	LastHash string `json:"last_hash"`
	Updated  string `json:"updated"`
}

// ChainStoreConfig holds configuration for the chained file store.
type ChainStoreConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
}

// ChainStore implements audit.Log with per-day JSONL files linked by a
// SHA-256 hash chain. All writes are serialized by a single mutex because
// the chain is inherently sequential.
type ChainStore struct {
	dir      string
	mu       sync.Mutex
	lastHash string
	logger   *slog.Logger
}

// NewChainStore creates the audit directory if needed and resumes the
// chain from the sidecar file, or from GENESIS when no sidecar exists.
func NewChainStore(cfg ChainStoreConfig, logger *slog.Logger) (*ChainStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &ChainStore{
		dir:      cfg.Dir,
		lastHash: audit.Genesis,
		logger:   logger,
	}
	s.lastHash = s.loadChainState()
	return s, nil
}

// loadChainState reads the sidecar tail hash. A missing or malformed
// sidecar restarts the chain from GENESIS.
func (s *ChainStore) loadChainState() string {
	data, err := os.ReadFile(filepath.Join(s.dir, ChainFileName))
	if err != nil {
		return audit.Genesis
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil || state.LastHash == "" {
		s.logger.Warn("malformed audit chain sidecar, restarting from genesis")
		return audit.Genesis
	}
	return state.LastHash
}

// saveChainStateLocked persists the tail hash. Must be called with s.mu held.
func (s *ChainStore) saveChainStateLocked(lastHash string) error {
	state := chainState{
		LastHash: lastHash,
		Updated:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal chain state: %w", err)
	}
	path := filepath.Join(s.dir, ChainFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write chain state: %w", err)
	}
	return nil
}

// Record appends an entry to today's audit file, linking it to the chain
// tail and advancing the sidecar. Append latency is dominated by the
// write syscall.
func (s *ChainStore) Record(_ context.Context, entry audit.Entry) (*audit.Event, error) {
	details, err := audit.NormalizeDetails(entry.Details)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	event := &audit.Event{
		Timestamp:    now.Format(time.RFC3339Nano),
		EventType:    entry.Kind,
		Action:       entry.Action,
		Actor:        entry.Actor,
		SourceZone:   entry.SourceZone,
		Details:      details,
		RequestID:    entry.RequestID,
		PreviousHash: s.lastHash,
	}

	hash, err := audit.ComputeHash(event, s.lastHash)
	if err != nil {
		return nil, err
	}
	event.EventHash = hash

	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("audit-%s.jsonl", now.Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write audit event: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close audit file: %w", err)
	}

	s.lastHash = hash
	if err := s.saveChainStateLocked(hash); err != nil {
		// The event is on disk; a stale sidecar only costs a rescan on
		// restart. Log and continue.
		s.logger.Error("failed to persist audit chain tail", "error", err)
	}

	return event, nil
}

// Close satisfies audit.Log. The store opens files per append, so there is
// nothing to release.
func (s *ChainStore) Close() error { return nil }

// LastHash returns the current chain tail.
func (s *ChainStore) LastHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash
}

// listFiles returns the daily audit filenames in lexicographic order,
// which for the date-stamped naming scheme is chronological order.
func (s *ChainStore) listFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if auditFilePattern.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Verify walks every audit file from GENESIS, recomputing each event's
// hash and checking each link to its predecessor. It never mutates state.
// Returns true with no errors for an empty log.
func (s *ChainStore) Verify() (bool, []audit.VerifyError) {
	files, err := s.listFiles()
	if err != nil {
		return false, []audit.VerifyError{{File: s.dir, Line: 0, Message: err.Error()}}
	}

	var errs []audit.VerifyError
	previousHash := audit.Genesis

	for _, name := range files {
		path := filepath.Join(s.dir, name)
		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, audit.VerifyError{File: name, Line: 0, Message: err.Error()})
			continue
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var event audit.Event
			if err := json.Unmarshal(line, &event); err != nil {
				errs = append(errs, audit.VerifyError{
					File: name, Line: lineNum,
					Message: fmt.Sprintf("invalid JSON: %v", err),
				})
				continue
			}

			if event.PreviousHash != previousHash {
				errs = append(errs, audit.VerifyError{
					File: name, Line: lineNum,
					Message: fmt.Sprintf("chain broken: expected previous hash %.8s..., got %.8s...",
						previousHash, event.PreviousHash),
				})
			}

			computed, err := audit.ComputeHash(&event, event.PreviousHash)
			if err != nil {
				errs = append(errs, audit.VerifyError{File: name, Line: lineNum, Message: err.Error()})
			} else if computed != event.EventHash {
				errs = append(errs, audit.VerifyError{
					File: name, Line: lineNum,
					Message: "hash mismatch: event may have been tampered with",
				})
			}

			previousHash = event.EventHash
		}
		if err := scanner.Err(); err != nil {
			errs = append(errs, audit.VerifyError{File: name, Line: lineNum, Message: err.Error()})
		}
		_ = f.Close()
	}

	return len(errs) == 0, errs
}

// Query returns events matching the filter, most recent first. Files are
// read in reverse chronological order so the result cap favors recency.
func (s *ChainStore) Query(filter audit.Filter) ([]audit.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	var results []audit.Event
	for i := len(files) - 1; i >= 0; i-- {
		events, err := s.readFile(files[i])
		if err != nil {
			s.logger.Warn("skipping unreadable audit file", "file", files[i], "error", err)
			continue
		}
		// Newest last on disk; walk backwards within the file too.
		for j := len(events) - 1; j >= 0; j-- {
			event := events[j]
			if !matches(&event, filter) {
				continue
			}
			results = append(results, event)
			if len(results) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// readFile decodes every valid event line in a single audit file.
func (s *ChainStore) readFile(name string) ([]audit.Event, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event audit.Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// matches reports whether an event passes the filter.
func matches(e *audit.Event, f audit.Filter) bool {
	if f.Kind != "" && e.EventType != f.Kind {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Start.IsZero() || !f.End.IsZero() {
		t := e.Time()
		if t.IsZero() {
			return false
		}
		if !f.Start.IsZero() && t.Before(f.Start) {
			return false
		}
		if !f.End.IsZero() && t.After(f.End) {
			return false
		}
	}
	return true
}

// Stats counts events per kind across all files and reports chain validity.
func (s *ChainStore) Stats() (audit.Stats, error) {
	files, err := s.listFiles()
	if err != nil {
		return audit.Stats{}, err
	}

	stats := audit.Stats{ByType: make(map[string]int)}
	for _, name := range files {
		events, err := s.readFile(name)
		if err != nil {
			continue
		}
		for _, e := range events {
			stats.ByType[string(e.EventType)]++
			stats.TotalEvents++
		}
	}
	valid, _ := s.Verify()
	stats.ChainValid = valid
	return stats, nil
}

// Compile-time interface verification.
var _ audit.Log = (*ChainStore)(nil)
