package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/NForce-ai/SDRbot/pkg/hooks"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateService checks one service entry.
func (v *Validator) ValidateService(s ServiceConfig) error {
	if err := service.ValidateKey(s.Key); err != nil {
		return err
	}
	kind := service.AuthKind(s.AuthKind)
	if !kind.Valid() {
		return fmt.Errorf("service %s: invalid auth kind %q (must be one of: oauth2, api_key, connection_string)", s.Key, s.AuthKind)
	}
	if s.SyncInterval < 0 {
		return fmt.Errorf("service %s: sync_interval must be >= 0", s.Key)
	}
	if s.SyncInterval > 0 && s.SyncInterval < service.MinSyncInterval {
		return fmt.Errorf("service %s: sync_interval must be at least %s", s.Key, service.MinSyncInterval)
	}
	if kind == service.AuthOAuth2 && s.OAuth.TokenURL != "" {
		if err := v.ValidateURL(s.OAuth.TokenURL); err != nil {
			return fmt.Errorf("service %s: token_url: %w", s.Key, err)
		}
	}
	if kind != service.AuthOAuth2 && s.OAuth.ClientID != "" {
		return fmt.Errorf("service %s: oauth settings given for %s service", s.Key, s.AuthKind)
	}
	return nil
}

// ValidateURL requires an absolute http(s) URL.
func (v *Validator) ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// ValidateSchedule parses a five-field cron expression.
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateStorage checks the storage driver and its connection settings.
func (v *Validator) ValidateStorage(s StorageConfig) error {
	switch s.Driver {
	case "", "sqlite":
		return nil
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
		return nil
	default:
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite, postgres)", s.Driver)
	}
}

// ValidateCredentials checks the secret backend selection.
func (v *Validator) ValidateCredentials(c CredentialsConfig) error {
	switch c.Backend {
	case "keyring":
		if c.KeyringService == "" {
			return fmt.Errorf("credentials.keyring_service cannot be empty")
		}
	case "file":
		if c.PassphraseEnv == "" {
			return fmt.Errorf("credentials.passphrase_env is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid credentials backend: %s (must be one of: keyring, file)", c.Backend)
	}
	if c.RefreshSkew < 0 || c.ExchangeTimeout < 0 || c.ExchangeRetries < 0 {
		return fmt.Errorf("credentials timing values must be >= 0")
	}
	return nil
}

// ValidateHook checks a hook binding.
func (v *Validator) ValidateHook(h HookConfig) error {
	if !hooks.Event(h.Event).Valid() {
		return fmt.Errorf("unknown event %q", h.Event)
	}
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("command is required")
	}
	if h.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	seen := make(map[string]bool, len(cfg.Services))
	for i, s := range cfg.Services {
		if err := v.ValidateService(s); err != nil {
			errors = append(errors, fmt.Errorf("service %d: %w", i, err))
			continue
		}
		if seen[s.Key] {
			errors = append(errors, fmt.Errorf("service %d: duplicate key %s", i, s.Key))
		}
		seen[s.Key] = true
	}

	if cfg.Sync.DefaultInterval < 0 {
		errors = append(errors, fmt.Errorf("sync.default_interval must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Sync.Schedule); err != nil {
		errors = append(errors, err)
	}

	if err := cfg.Execution.Policy().Validate(); err != nil {
		errors = append(errors, fmt.Errorf("execution: %w", err))
	}
	if err := v.ValidateCredentials(cfg.Credentials); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateStorage(cfg.Storage); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	for _, p := range cfg.Logging.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errors = append(errors, fmt.Errorf("logging.redact_patterns: %w", err))
		}
	}
	for i, h := range cfg.Hooks {
		if err := v.ValidateHook(h); err != nil {
			errors = append(errors, fmt.Errorf("hook %d: %w", i, err))
		}
	}
	if cfg.Logging.MaxSize < 0 || cfg.Logging.MaxAge < 0 {
		errors = append(errors, fmt.Errorf("logging.max_size and logging.max_age must be >= 0"))
	}

	return errors
}
