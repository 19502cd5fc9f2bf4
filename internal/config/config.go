// Package config holds the sdrbot configuration model and its loader.
package config

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/NForce-ai/SDRbot/internal/logger"
	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/hooks"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
	"github.com/NForce-ai/SDRbot/pkg/toolexecutor"
)

// Config represents the main sdrbot configuration
type Config struct {
	// Services seeds the service registry. Entries already in the registry
	// keep their sync bookkeeping.
	Services []ServiceConfig `json:"services" mapstructure:"services"`

	Sync        SyncConfig        `json:"sync" mapstructure:"sync"`
	Execution   ExecutionConfig   `json:"execution" mapstructure:"execution"`
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`
	Storage     StorageConfig     `json:"storage" mapstructure:"storage"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Telemetry   TelemetryConfig   `json:"telemetry" mapstructure:"telemetry"`
	Hooks       []HookConfig      `json:"hooks" mapstructure:"hooks"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServiceConfig describes one CRM connection.
type ServiceConfig struct {
	Key          string            `json:"key" mapstructure:"key"`
	AuthKind     string            `json:"auth_kind" mapstructure:"auth_kind"` // oauth2, api_key, connection_string
	Enabled      bool              `json:"enabled" mapstructure:"enabled"`
	SyncInterval time.Duration     `json:"sync_interval" mapstructure:"sync_interval"`
	Fixture      string            `json:"fixture" mapstructure:"fixture"` // YAML file backing the in-memory adapter
	OAuth        OAuthConfig       `json:"oauth" mapstructure:"oauth"`
	Settings     map[string]string `json:"settings" mapstructure:"settings"`
}

// OAuthConfig is the client registration for an oauth2 service.
type OAuthConfig struct {
	ClientID     string   `json:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret" mapstructure:"client_secret"`
	AuthURL      string   `json:"auth_url" mapstructure:"auth_url"`
	TokenURL     string   `json:"token_url" mapstructure:"token_url"`
	RedirectURL  string   `json:"redirect_url" mapstructure:"redirect_url"`
	Scopes       []string `json:"scopes" mapstructure:"scopes"`
}

// SyncConfig controls background schema syncs.
type SyncConfig struct {
	DefaultInterval time.Duration `json:"default_interval" mapstructure:"default_interval"`
	Schedule        string        `json:"schedule" mapstructure:"schedule"` // five-field cron
	FetchTimeout    time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// ExecutionConfig mirrors toolexecutor.Policy plus the session's starting
// approval mode.
type ExecutionConfig struct {
	BulkThreshold       int           `json:"bulk_threshold" mapstructure:"bulk_threshold"`
	SelfHealRetries     int           `json:"self_heal_retries" mapstructure:"self_heal_retries"`
	CallTimeout         time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
	MaxRateLimitRetries int           `json:"max_rate_limit_retries" mapstructure:"max_rate_limit_retries"`
	MaxAdapterRetries   int           `json:"max_adapter_retries" mapstructure:"max_adapter_retries"`
	ApprovalTimeout     time.Duration `json:"approval_timeout" mapstructure:"approval_timeout"`
	BackoffMin          time.Duration `json:"backoff_min" mapstructure:"backoff_min"`
	BackoffMax          time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
	Allow               []string      `json:"allow" mapstructure:"allow"`
	Deny                []string      `json:"deny" mapstructure:"deny"`
	AutoApprove         bool          `json:"auto_approve" mapstructure:"auto_approve"`
}

// CredentialsConfig selects where secrets live.
type CredentialsConfig struct {
	Backend         string        `json:"backend" mapstructure:"backend"` // keyring, file
	KeyringService  string        `json:"keyring_service" mapstructure:"keyring_service"`
	File            string        `json:"file" mapstructure:"file"`
	PassphraseEnv   string        `json:"passphrase_env" mapstructure:"passphrase_env"`
	RefreshSkew     time.Duration `json:"refresh_skew" mapstructure:"refresh_skew"`
	ExchangeTimeout time.Duration `json:"exchange_timeout" mapstructure:"exchange_timeout"`
	ExchangeRetries int           `json:"exchange_retries" mapstructure:"exchange_retries"`
}

// StorageConfig selects the registry and snapshot store.
type StorageConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, postgres
	Path   string `json:"path" mapstructure:"path"`
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	// RedactPatterns are extra regular expressions masked in log output.
	RedactPatterns []string `json:"redact_patterns" mapstructure:"redact_patterns"`
}

// HookConfig binds a shell command to a session event.
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"` // schema:changed, action:completed, action:denied, credential:revoked
	Command string        `json:"command" mapstructure:"command"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Hook converts the entry for the hook manager.
func (h HookConfig) Hook() hooks.Hook {
	return hooks.Hook{ID: h.ID, Event: hooks.Event(h.Event), Command: h.Command, Timeout: h.Timeout}
}

// TelemetryConfig controls metrics, tracing and the audit trail.
type TelemetryConfig struct {
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
	Tracing     bool   `json:"tracing" mapstructure:"tracing"`
	AuditFile   string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	policy := toolexecutor.DefaultPolicy()
	logs := logger.DefaultConfig()
	return &Config{
		Services: []ServiceConfig{},
		Sync: SyncConfig{
			DefaultInterval: 24 * time.Hour,
			Schedule:        schema.DefaultSchedule,
			FetchTimeout:    schema.DefaultFetchTimeout,
		},
		Execution: ExecutionConfig{
			BulkThreshold:       policy.BulkThreshold,
			SelfHealRetries:     policy.SelfHealRetries,
			CallTimeout:         policy.CallTimeout,
			MaxRateLimitRetries: policy.MaxRateLimitRetries,
			MaxAdapterRetries:   policy.MaxAdapterRetries,
			ApprovalTimeout:     policy.ApprovalTimeout,
			BackoffMin:          policy.BackoffMin,
			BackoffMax:          policy.BackoffMax,
		},
		Credentials: CredentialsConfig{
			Backend:         "keyring",
			KeyringService:  "sdrbot",
			PassphraseEnv:   "SDRBOT_VAULT_PASSPHRASE",
			RefreshSkew:     credential.DefaultRefreshSkew,
			ExchangeTimeout: credential.DefaultExchangeTimeout,
			ExchangeRetries: 2,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:     logs.Level,
			MaxSize:   logs.MaxSize,
			MaxAge:    logs.MaxAge,
			Compress:  logs.Compress,
			Redaction: logs.Redaction,
		},
	}
}

// Policy returns the execution limits as an engine policy.
func (e ExecutionConfig) Policy() toolexecutor.Policy {
	return toolexecutor.Policy{
		BulkThreshold:       e.BulkThreshold,
		SelfHealRetries:     e.SelfHealRetries,
		CallTimeout:         e.CallTimeout,
		MaxRateLimitRetries: e.MaxRateLimitRetries,
		MaxAdapterRetries:   e.MaxAdapterRetries,
		ApprovalTimeout:     e.ApprovalTimeout,
		BackoffMin:          e.BackoffMin,
		BackoffMax:          e.BackoffMax,
		Allow:               append([]string(nil), e.Allow...),
		Deny:                append([]string(nil), e.Deny...),
	}
}

// Descriptor returns the registry entry for the service. A zero interval
// falls back to def.
func (s ServiceConfig) Descriptor(def time.Duration) service.Descriptor {
	interval := s.SyncInterval
	if interval == 0 {
		interval = def
	}
	settings := make(map[string]string, len(s.Settings))
	for k, v := range s.Settings {
		settings[k] = v
	}
	return service.Descriptor{
		Key:          s.Key,
		AuthKind:     service.AuthKind(s.AuthKind),
		Enabled:      s.Enabled,
		SyncInterval: interval,
		Settings:     settings,
	}
}

// Client returns the OAuth client registration.
func (o OAuthConfig) Client() credential.OAuthClient {
	return credential.OAuthClient{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		AuthURL:      o.AuthURL,
		TokenURL:     o.TokenURL,
		RedirectURL:  o.RedirectURL,
		Scopes:       append([]string(nil), o.Scopes...),
	}
}

// LoggerConfig adapts the logging section for the logger package.
func (l LoggingConfig) LoggerConfig(console bool) logger.Config {
	return logger.Config{
		Level:     l.Level,
		File:      l.File,
		Console:   console,
		Pretty:    l.Pretty,
		Redaction: l.Redaction,
		Patterns:  append([]string(nil), l.RedactPatterns...),
		MaxSize:   l.MaxSize,
		MaxAge:    l.MaxAge,
		Compress:  l.Compress,
	}
}

// Service returns the configuration for key.
func (c *Config) Service(key string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Key == key {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Services = make([]ServiceConfig, len(c.Services))
	for i, s := range c.Services {
		if s.OAuth.ClientSecret != "" {
			s.OAuth.ClientSecret = "********"
		}
		masked.Services[i] = s
	}
	if masked.Storage.DSN != "" {
		masked.Storage.DSN = "********"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
