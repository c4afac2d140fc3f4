// Package auth verifies the optional protocol auth token carried on
// request envelopes. Tokens are configured as hashes, never plaintext.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidToken is returned when a presented token matches no
// configured hash.
var ErrInvalidToken = errors.New("invalid auth token")

// ErrUnknownHashType is returned when a configured hash has an
// unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// Verifier checks presented tokens against a fixed set of configured
// hashes. SHA-256 hashes get a direct lookup; argon2id hashes are
// verified by iteration.
type Verifier struct {
	required bool
	sha256   map[string]struct{}
	argon2id []string
}

// NewVerifier builds a verifier from configured hashes. Each hash must be
// "sha256:<hex>", bare 64-char hex, or an argon2id PHC string.
func NewVerifier(required bool, hashes []string) (*Verifier, error) {
	v := &Verifier{
		required: required,
		sha256:   make(map[string]struct{}),
	}
	for _, h := range hashes {
		switch DetectHashType(h) {
		case "sha256":
			v.sha256[strings.TrimPrefix(h, "sha256:")] = struct{}{}
		case "argon2id":
			v.argon2id = append(v.argon2id, h)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownHashType, h)
		}
	}
	if required && len(v.sha256) == 0 && len(v.argon2id) == 0 {
		return nil, errors.New("auth required but no token hashes configured")
	}
	return v, nil
}

// Required reports whether requests must carry a token.
func (v *Verifier) Required() bool {
	return v.required
}

// Verify checks a presented token. When auth is not required an empty
// token passes; a non-empty token is still verified so a wrong token
// never silently succeeds.
func (v *Verifier) Verify(token string) error {
	if token == "" {
		if v.required {
			return ErrInvalidToken
		}
		return nil
	}

	computed := HashToken(token)
	for stored := range v.sha256 {
		if subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1 {
			return nil
		}
	}
	for _, stored := range v.argon2id {
		match, err := safeArgon2idCompare(token, stored)
		if err != nil {
			continue
		}
		if match {
			return nil
		}
	}
	return ErrInvalidToken
}

// HashToken returns the SHA-256 hex hash of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// argon2idParams uses OWASP minimum parameters.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashTokenArgon2id returns an argon2id PHC hash for a raw token. Used by
// the hash-key CLI command when provisioning tokens.
func HashTokenArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// DetectHashType identifies the hash algorithm of a configured hash.
func DetectHashType(stored string) string {
	if strings.HasPrefix(stored, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(stored, "sha256:") {
		return "sha256"
	}
	if len(stored) == 64 && isHexString(stored) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// safeArgon2idCompare wraps the library comparison with panic recovery;
// malformed PHC strings with zero rounds or parallelism make the
// underlying argon2 package panic.
func safeArgon2idCompare(raw, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, stored)
}
