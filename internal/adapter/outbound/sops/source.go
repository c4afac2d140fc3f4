// Package sops implements the vault.SecretSource port by shelling out to
// the sops binary with an age key file.
package sops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/moltbot/moltbroker/internal/domain/vault"
)

// Source decrypts files under SecretsDir with `sops -d`.
type Source struct {
	secretsDir string
	keyFile    string
	logger     *slog.Logger
}

// Config holds the sops source configuration.
type Config struct {
	// SecretsDir holds the encrypted secret files.
	SecretsDir string
	// KeyFile is the age private key file passed via SOPS_AGE_KEY_FILE.
	KeyFile string
}

// New creates a sops source. The key file must exist: a broker that
// cannot decrypt anything should fail at startup, not at the first
// execute.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if _, err := os.Stat(cfg.KeyFile); err != nil {
		return nil, fmt.Errorf("age key file not found: %s", cfg.KeyFile)
	}
	return &Source{
		secretsDir: cfg.SecretsDir,
		keyFile:    cfg.KeyFile,
		logger:     logger,
	}, nil
}

// Load decrypts one file and flattens the JSON output to string values.
func (s *Source) Load(ctx context.Context, file string) (map[string]string, error) {
	path := filepath.Join(s.secretsDir, filepath.Base(file))
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("secret file not found: %s", path)
	}

	cmd := exec.CommandContext(ctx, "sops", "-d", "--output-type", "json", path)
	cmd.Env = append(os.Environ(), "SOPS_AGE_KEY_FILE="+s.keyFile)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decrypt %s: %s: %w", file, bytes.TrimSpace(stderr.Bytes()), err)
	}

	var raw map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("parse decrypted %s: %w", file, err)
	}

	secrets := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			secrets[k] = val
		default:
			secrets[k] = fmt.Sprint(val)
		}
	}
	s.logger.Debug("decrypted secrets file", "file", file, "keys", len(secrets))
	return secrets, nil
}

var _ vault.SecretSource = (*Source)(nil)
