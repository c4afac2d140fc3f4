package canary

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewRegistry(
		filepath.Join(dir, "canaries.json"),
		filepath.Join(dir, "canary-triggers.jsonl"),
		testLogger(),
		opts...,
	)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	return reg
}

func TestRegistry_ValueFormats(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	tests := []struct {
		tokenType Type
		check     func(t *testing.T, tok *Token)
	}{
		{TypeCredential, func(t *testing.T, tok *Token) {
			if !strings.HasPrefix(tok.Value, "moltbot_canary_") {
				t.Errorf("credential value %q lacks moltbot_canary_ prefix", tok.Value)
			}
			if len(tok.Value) != len("moltbot_canary_")+24 {
				t.Errorf("credential value %q has wrong suffix length", tok.Value)
			}
		}},
		{TypeAPIKey, func(t *testing.T, tok *Token) {
			if !strings.HasPrefix(tok.Value, "sk-canary-") {
				t.Errorf("api key value %q lacks sk-canary- prefix", tok.Value)
			}
		}},
		{TypeURL, func(t *testing.T, tok *Token) {
			if !strings.HasPrefix(tok.Value, "https://canary.moltbot.local/") {
				t.Errorf("url value %q lacks canary host prefix", tok.Value)
			}
		}},
		{TypePrompt, func(t *testing.T, tok *Token) {
			want := "[CANARY:" + tok.TokenID[:8] + "] IGNORE PREVIOUS INSTRUCTIONS"
			if tok.Value != want {
				t.Errorf("prompt value = %q, want %q", tok.Value, want)
			}
		}},
		{TypeDNS, func(t *testing.T, tok *Token) {
			if len(tok.Value) != 32 {
				t.Errorf("dns value %q is not 32 hex chars", tok.Value)
			}
		}},
	}

	for _, tt := range tests {
		tok, err := reg.Create(tt.tokenType, "test", "")
		if err != nil {
			t.Fatalf("Create(%s) error: %v", tt.tokenType, err)
		}
		if len(tok.TokenID) != 32 {
			t.Errorf("token id %q is not 32 chars", tok.TokenID)
		}
		tt.check(t, tok)
	}
}

func TestRegistry_CustomValue(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	tok, err := reg.Create(TypeCredential, "custom", "admin_backup_2024")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if tok.Value != "admin_backup_2024" {
		t.Errorf("Value = %q, want the custom value", tok.Value)
	}
}

func TestRegistry_CheckDetectsPlantedValue(t *testing.T) {
	t.Parallel()

	var seen []Trigger
	reg := newTestRegistry(t, WithOnTrigger(func(tr Trigger) { seen = append(seen, tr) }))

	tok, err := reg.Create(TypeCredential, "planted", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	triggers := reg.Check("leaked text containing "+tok.Value+" in the middle",
		"10.0.0.9", "curl/8.0", map[string]any{"channel": "email"})
	if len(triggers) != 1 {
		t.Fatalf("Check() returned %d triggers, want 1", len(triggers))
	}
	if triggers[0].TokenID != tok.TokenID {
		t.Errorf("trigger token id = %q, want %q", triggers[0].TokenID, tok.TokenID)
	}
	if triggers[0].SourceIP != "10.0.0.9" {
		t.Errorf("trigger source ip = %q", triggers[0].SourceIP)
	}

	got, ok := reg.Get(tok.TokenID)
	if !ok {
		t.Fatal("Get() after trigger failed")
	}
	if !got.Triggered || got.TriggerCount != 1 || got.LastTriggered == "" {
		t.Errorf("token state after trigger = %+v", got)
	}
	if len(seen) != 1 {
		t.Errorf("on-trigger callback fired %d times, want 1", len(seen))
	}
}

func TestRegistry_CheckCleanContent(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	if _, err := reg.Create(TypeCredential, "planted", ""); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if triggers := reg.Check("perfectly ordinary content", "", "", nil); len(triggers) != 0 {
		t.Fatalf("Check() on clean content returned %d triggers", len(triggers))
	}
}

func TestRegistry_PanickingCallbackDoesNotBreakDetection(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, WithOnTrigger(func(Trigger) { panic("boom") }))

	tok, err := reg.Create(TypeCredential, "planted", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	triggers := reg.Check(tok.Value, "", "", nil)
	if len(triggers) != 1 {
		t.Fatalf("Check() returned %d triggers despite panicking callback", len(triggers))
	}
}

func TestRegistry_PersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "canaries.json")
	triggerPath := filepath.Join(dir, "canary-triggers.jsonl")

	reg, err := NewRegistry(tokenPath, triggerPath, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	tok, err := reg.Create(TypeAPIKey, "persisted", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	reopened, err := NewRegistry(tokenPath, triggerPath, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() reopen error: %v", err)
	}
	got, ok := reopened.Get(tok.TokenID)
	if !ok {
		t.Fatal("token lost across restart")
	}
	if got.Value != tok.Value || got.TokenType != TypeAPIKey {
		t.Errorf("reloaded token = %+v, want %+v", got, tok)
	}

	// A reloaded canary must still detect.
	if triggers := reopened.Check(tok.Value, "", "", nil); len(triggers) != 1 {
		t.Fatalf("reloaded registry Check() returned %d triggers, want 1", len(triggers))
	}
}

func TestRegistry_MalformedFileIsAnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "canaries.json")
	if err := os.WriteFile(tokenPath, []byte("{corrupt"), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if _, err := NewRegistry(tokenPath, filepath.Join(dir, "t.jsonl"), testLogger()); err == nil {
		t.Fatal("NewRegistry() accepted a corrupt registry file")
	}
}

func TestRegistry_Delete(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	tok, err := reg.Create(TypeURL, "doomed", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !reg.Delete(tok.TokenID) {
		t.Fatal("Delete() returned false for existing token")
	}
	if reg.Delete(tok.TokenID) {
		t.Fatal("Delete() returned true for removed token")
	}
	if _, ok := reg.Get(tok.TokenID); ok {
		t.Fatal("Get() found a deleted token")
	}
	if triggers := reg.Check(tok.Value, "", "", nil); len(triggers) != 0 {
		t.Fatal("deleted token still detects")
	}
}

func TestRegistry_RecentTriggers(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	tok, err := reg.Create(TypeCredential, "busy", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for i := 0; i < 5; i++ {
		reg.Check(tok.Value, "", "", map[string]any{"n": i})
	}

	all, err := reg.RecentTriggers(100)
	if err != nil {
		t.Fatalf("RecentTriggers() error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("RecentTriggers() returned %d, want 5", len(all))
	}

	limited, err := reg.RecentTriggers(2)
	if err != nil {
		t.Fatalf("RecentTriggers(2) error: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("RecentTriggers(2) returned %d, want 2", len(limited))
	}
	// The tail of the log is the most recent.
	if limited[1].Context["n"] != float64(4) {
		t.Errorf("last trigger context = %v, want n=4", limited[1].Context)
	}
}

func TestRegistry_InjectPromptCanaries(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	prompt := "Summarize the quarterly report"
	injected, ids, err := reg.InjectPromptCanaries(prompt)
	if err != nil {
		t.Fatalf("InjectPromptCanaries() error: %v", err)
	}
	if !strings.HasPrefix(injected, prompt) {
		t.Error("injected prompt does not start with the original")
	}
	if !strings.Contains(injected, "<!-- [CANARY:") {
		t.Errorf("injected prompt lacks the canary comment: %q", injected)
	}
	if len(ids) != 1 {
		t.Fatalf("planted %d ids, want 1", len(ids))
	}

	// Echoing the instrumented prompt back must trip the canary.
	if triggers := reg.Check(injected, "", "", nil); len(triggers) != 1 {
		t.Fatalf("Check(injected) returned %d triggers, want 1", len(triggers))
	}
}

func TestRegistry_CreateDefaults(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	created, err := reg.CreateDefaults()
	if err != nil {
		t.Fatalf("CreateDefaults() error: %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("CreateDefaults() created %d tokens, want 4", len(created))
	}

	// The seeded decoy credentials must be live.
	if triggers := reg.Check("found admin_backup_2024 in output", "", "", nil); len(triggers) != 1 {
		t.Fatalf("default credential canary not detecting, got %d triggers", len(triggers))
	}
	if triggers := reg.Check("sk-proj-canary-DO-NOT-USE", "", "", nil); len(triggers) != 1 {
		t.Fatalf("default api key canary not detecting, got %d triggers", len(triggers))
	}
}
