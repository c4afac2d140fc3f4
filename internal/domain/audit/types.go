// Package audit contains the domain model for the tamper-evident audit log:
// event kinds, the hash-chained event record, and the canonical hashing
// contract shared by the writer and the verifier.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of audit event kinds.
type Kind string

const (
	KindActionRequested     Kind = "action_requested"
	KindActionApproved      Kind = "action_approved"
	KindActionRejected      Kind = "action_rejected"
	KindActionExecuted      Kind = "action_executed"
	KindActionFailed        Kind = "action_failed"
	KindPolicyDenied        Kind = "policy_denied"
	KindKillSwitchTriggered Kind = "kill_switch_triggered"
	KindAnomalyDetected     Kind = "anomaly_detected"
	KindContentSanitized    Kind = "content_sanitized"
	KindInjectionDetected   Kind = "injection_detected"
	KindAuthAttempt         Kind = "auth_attempt"
	KindConfigChanged       Kind = "config_changed"
	KindSystemStart         Kind = "system_start"
	KindSystemStop          Kind = "system_stop"
)

// Genesis is the previous-hash value of the first event in the chain.
const Genesis = "GENESIS"

// Event is a single audit record. PreviousHash and EventHash link events
// into a linear tamper-evident chain:
//
//	event_hash = SHA256(canonical(fields without hashes) || previous_hash)
type Event struct {
	Timestamp    string         `json:"timestamp"`
	EventType    Kind           `json:"event_type"`
	Action       string         `json:"action"`
	Actor        string         `json:"actor"`
	SourceZone   string         `json:"source_zone"`
	Details      map[string]any `json:"details"`
	RequestID    string         `json:"request_id"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash"`
}

// Entry is the caller-supplied part of an event, before chaining.
type Entry struct {
	Kind       Kind
	Action     string
	Actor      string
	SourceZone string
	Details    map[string]any
	RequestID  string
}

// Time parses the event timestamp. Returns the zero time on parse failure.
func (e *Event) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// canonicalFields returns the hashed portion of an event as a map.
// Maps marshal with lexicographically sorted keys, which gives the
// deterministic field ordering the chain contract requires, including
// nested detail maps.
func canonicalFields(e *Event) map[string]any {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return map[string]any{
		"timestamp":   e.Timestamp,
		"event_type":  string(e.EventType),
		"action":      e.Action,
		"actor":       e.Actor,
		"source_zone": e.SourceZone,
		"details":     details,
		"request_id":  e.RequestID,
	}
}

// ComputeHash returns the chain hash for the event given its predecessor's
// hash: SHA-256 over the canonical serialization concatenated with
// previousHash, hex encoded.
func ComputeHash(e *Event, previousHash string) (string, error) {
	canonical, err := json.Marshal(canonicalFields(e))
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(append(canonical, previousHash...))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeDetails round-trips a detail map through JSON so that the bytes
// hashed at append time match the bytes a verifier reproduces after
// decoding the stored line. Without this, values like ints and structs
// would hash differently before and after a decode cycle.
func NormalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	return normalized, nil
}

// sensitiveKeywords lists substrings that indicate a sensitive detail key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitive returns a copy of details with sensitive values masked.
func RedactSensitive(details map[string]any) map[string]any {
	if len(details) == 0 {
		return details
	}
	redacted := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
