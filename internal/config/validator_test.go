package config

import (
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestValidateTokenHash(t *testing.T) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		t.Fatalf("RegisterCustomValidators() error: %v", err)
	}

	hex64 := strings.Repeat("a1", 32)
	tests := []struct {
		name  string
		hash  string
		valid bool
	}{
		{"prefixed sha256", "sha256:" + hex64, true},
		{"bare hex digest", hex64, true},
		{"uppercase hex", strings.ToUpper(hex64), true},
		{"argon2id", "$argon2id$v=19$m=47104,t=1,p=1$c2FsdA$aGFzaA", true},
		{"short hex", "sha256:abcd", false},
		{"not hex", "sha256:" + strings.Repeat("zz", 32), false},
		{"truncated argon2id", "$argon2id$v=19", false},
		{"plaintext", "my-secret-token", false},
		{"empty", "", false},
	}

	type holder struct {
		Hash string `validate:"token_hash"`
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(holder{Hash: tt.hash})
			if (err == nil) != tt.valid {
				t.Errorf("token_hash(%q) valid = %v, want %v", tt.hash, err == nil, tt.valid)
			}
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if !strings.Contains(err.Error(), "must be one of") {
		t.Errorf("error %q lacks friendly oneof message", err)
	}
	if !strings.Contains(err.Error(), "LogLevel") {
		t.Errorf("error %q does not name the field", err)
	}
}
