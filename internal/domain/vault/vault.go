// Package vault resolves the credentials an action needs at execution
// time. Secrets stay encrypted at rest; decryption happens through the
// SecretSource port and results are cached per file.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SecretSource decrypts one secrets file into a flat key-value map. The
// production implementation shells out to sops; tests use an in-memory
// fake.
type SecretSource interface {
	Load(ctx context.Context, file string) (map[string]string, error)
}

// apiKeysFile is the secrets file holding integration credentials.
const apiKeysFile = "api-keys.yaml"

// actionSecrets maps each action to the credential keys it needs.
func actionSecrets() map[string][]string {
	return map[string][]string{
		"send_email":    {"gmail_token"},
		"read_email":    {"gmail_token"},
		"send_telegram": {"telegram_bot_token"},
		"read_telegram": {"telegram_bot_token"},
		"send_slack":    {"slack_token"},
		"read_slack":    {"slack_token"},
		"make_call":     {"twilio_account_sid", "twilio_auth_token"},
		"send_sms":      {"twilio_account_sid", "twilio_auth_token"},
	}
}

// Vault caches decrypted secret files and hands actions exactly the keys
// they are mapped to, nothing more.
type Vault struct {
	source SecretSource
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]map[string]string
}

// New creates a vault over the given source.
func New(source SecretSource, logger *slog.Logger) *Vault {
	return &Vault{
		source: source,
		logger: logger,
		cache:  make(map[string]map[string]string),
	}
}

// GetSecret returns one key from a secrets file. Returns "" when the key
// is absent.
func (v *Vault) GetSecret(ctx context.Context, file, key string) (string, error) {
	secrets, err := v.load(ctx, file)
	if err != nil {
		return "", err
	}
	return secrets[key], nil
}

// CredentialsFor returns the credentials the action is mapped to. Actions
// without mapped secrets get an empty map and no decryption happens.
func (v *Vault) CredentialsFor(ctx context.Context, action string) (map[string]string, error) {
	keys := actionSecrets()[action]
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	secrets, err := v.load(ctx, apiKeysFile)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", action, err)
	}

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[key] = secrets[key]
	}
	return out, nil
}

// load returns the decrypted contents of a file, from cache when warm.
func (v *Vault) load(ctx context.Context, file string) (map[string]string, error) {
	v.mu.Lock()
	if cached, ok := v.cache[file]; ok {
		v.mu.Unlock()
		return cached, nil
	}
	v.mu.Unlock()

	secrets, err := v.source.Load(ctx, file)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[file] = secrets
	v.mu.Unlock()
	v.logger.Debug("secrets file decrypted", "file", file, "keys", len(secrets))
	return secrets, nil
}

// ClearCache drops all cached plaintext.
func (v *Vault) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]map[string]string)
}
