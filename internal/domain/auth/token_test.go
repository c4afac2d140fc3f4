package auth

import (
	"errors"
	"testing"
)

func TestVerifier_SHA256(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(true, []string{"sha256:" + HashToken("correct-horse")})
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}

	if err := v.Verify("correct-horse"); err != nil {
		t.Errorf("Verify(correct token) error: %v", err)
	}
	if err := v.Verify("battery-staple"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(wrong token) = %v, want ErrInvalidToken", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(empty, required) = %v, want ErrInvalidToken", err)
	}
}

func TestVerifier_BareHexHash(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(true, []string{HashToken("tok")})
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}
	if err := v.Verify("tok"); err != nil {
		t.Errorf("Verify() with bare hex hash error: %v", err)
	}
}

func TestVerifier_Argon2id(t *testing.T) {
	t.Parallel()

	hash, err := HashTokenArgon2id("sesame")
	if err != nil {
		t.Fatalf("HashTokenArgon2id() error: %v", err)
	}
	v, err := NewVerifier(true, []string{hash})
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}

	if err := v.Verify("sesame"); err != nil {
		t.Errorf("Verify(correct token) error: %v", err)
	}
	if err := v.Verify("open"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(wrong token) = %v, want ErrInvalidToken", err)
	}
}

func TestVerifier_NotRequired(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(false, []string{"sha256:" + HashToken("tok")})
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}

	if err := v.Verify(""); err != nil {
		t.Errorf("Verify(empty, optional) error: %v", err)
	}
	// A presented token is still checked even when auth is optional.
	if err := v.Verify("wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(wrong, optional) = %v, want ErrInvalidToken", err)
	}
	if err := v.Verify("tok"); err != nil {
		t.Errorf("Verify(correct, optional) error: %v", err)
	}
}

func TestNewVerifier_RequiredWithoutHashes(t *testing.T) {
	t.Parallel()
	if _, err := NewVerifier(true, nil); err == nil {
		t.Fatal("NewVerifier(required, no hashes) accepted")
	}
}

func TestNewVerifier_UnknownHashFormat(t *testing.T) {
	t.Parallel()
	if _, err := NewVerifier(true, []string{"md5:abc"}); !errors.Is(err, ErrUnknownHashType) {
		t.Fatalf("error = %v, want ErrUnknownHashType", err)
	}
}

func TestDetectHashType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"$argon2id$v=19$m=47104,t=1,p=1$abc$def", "argon2id"},
		{"sha256:deadbeef", "sha256"},
		{HashToken("x"), "sha256"},
		{"not-a-hash", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := DetectHashType(tt.input); got != tt.want {
			t.Errorf("DetectHashType(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestVerifier_MalformedArgon2idHashDoesNotPanic(t *testing.T) {
	t.Parallel()

	v := &Verifier{
		required: true,
		sha256:   map[string]struct{}{},
		argon2id: []string{"$argon2id$v=19$m=0,t=0,p=0$x$y"},
	}
	if err := v.Verify("anything"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() = %v, want ErrInvalidToken", err)
	}
}
