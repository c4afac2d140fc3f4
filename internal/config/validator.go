package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// hexDigest matches a bare SHA-256 hex digest.
var hexDigest = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// RegisterCustomValidators registers broker-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("token_hash", validateTokenHash); err != nil {
		return fmt.Errorf("failed to register token_hash validator: %w", err)
	}
	return nil
}

// validateTokenHash accepts "sha256:<hex>", a bare 64-char hex digest, or
// an "$argon2id$..." encoded hash.
func validateTokenHash(fl validator.FieldLevel) bool {
	hash := fl.Field().String()

	if strings.HasPrefix(hash, "sha256:") {
		return hexDigest.MatchString(strings.TrimPrefix(hash, "sha256:"))
	}
	if strings.HasPrefix(hash, "$argon2id$") {
		return strings.Count(hash, "$") >= 5
	}
	return hexDigest.MatchString(hash)
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateAuthHashes(); err != nil {
		return err
	}

	return c.validateTelegram()
}

// validateAuthHashes ensures required auth has at least one accepted hash.
func (c *Config) validateAuthHashes() error {
	if c.Auth.Required && len(c.Auth.TokenHashes) == 0 {
		return errors.New("auth: required is true but no token_hashes are configured")
	}
	return nil
}

// validateTelegram ensures a configured bot token comes with a chat to
// send prompts to.
func (c *Config) validateTelegram() error {
	if c.Telegram.BotToken != "" && c.Telegram.AdminChatID == 0 {
		return errors.New("telegram: bot_token is set but admin_chat_id is missing")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "token_hash":
		return fmt.Sprintf("%s must be sha256:<hex>, a 64-char hex digest, or an $argon2id$ hash", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
