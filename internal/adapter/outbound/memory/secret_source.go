package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/moltbot/moltbroker/internal/domain/vault"
)

// SecretSource is an in-memory vault.SecretSource. Tests seed files with
// SetFile and can count decryptions to assert caching behavior.
type SecretSource struct {
	mu    sync.Mutex
	files map[string]map[string]string
	loads map[string]int
	err   error
}

// NewSecretSource creates an empty fake source.
func NewSecretSource() *SecretSource {
	return &SecretSource{
		files: make(map[string]map[string]string),
		loads: make(map[string]int),
	}
}

// SetFile seeds the plaintext contents of a secrets file.
func (s *SecretSource) SetFile(file string, secrets map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file] = secrets
}

// FailWith makes every Load return err.
func (s *SecretSource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Load returns the seeded contents of file.
func (s *SecretSource) Load(_ context.Context, file string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[file]++
	if s.err != nil {
		return nil, s.err
	}
	secrets, ok := s.files[file]
	if !ok {
		return nil, fmt.Errorf("secret file not found: %s", file)
	}
	out := make(map[string]string, len(secrets))
	for k, v := range secrets {
		out[k] = v
	}
	return out, nil
}

// Loads reports how many times file has been decrypted.
func (s *SecretSource) Loads(file string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[file]
}

var _ vault.SecretSource = (*SecretSource)(nil)
