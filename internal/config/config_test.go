package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NForce-ai/SDRbot/pkg/service"
	"github.com/NForce-ai/SDRbot/pkg/toolexecutor"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Services = []ServiceConfig{
		{
			Key:      "crm-a",
			AuthKind: "oauth2",
			Enabled:  true,
			OAuth:    OAuthConfig{ClientID: "id", ClientSecret: "shh", TokenURL: "https://crm-a.example.com/oauth/token"},
		},
		{Key: "crm-b", AuthKind: "api_key", SyncInterval: time.Hour},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.Services)
	assert.Equal(t, 24*time.Hour, cfg.Sync.DefaultInterval)
	assert.Equal(t, "0 * * * *", cfg.Sync.Schedule)
	assert.Equal(t, 50, cfg.Execution.BulkThreshold)
	assert.Equal(t, 1, cfg.Execution.SelfHealRetries)
	assert.False(t, cfg.Execution.AutoApprove)
	assert.Equal(t, "keyring", cfg.Credentials.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Credentials.RefreshSkew)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.NoError(t, cfg.Validate())
}

func TestExecutionPolicy(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, toolexecutor.DefaultPolicy(), cfg.Execution.Policy())

	cfg.Execution.BulkThreshold = 10
	cfg.Execution.Deny = []string{"*_delete_*"}
	p := cfg.Execution.Policy()
	assert.Equal(t, 10, p.BulkThreshold)
	assert.False(t, p.Permits("crm-a_delete_contact"))

	// The policy owns its slices.
	p.Deny[0] = "x"
	assert.Equal(t, "*_delete_*", cfg.Execution.Deny[0])
}

func TestServiceDescriptor(t *testing.T) {
	cfg := validConfig()

	a := cfg.Services[0].Descriptor(24 * time.Hour)
	assert.Equal(t, "crm-a", a.Key)
	assert.Equal(t, service.AuthOAuth2, a.AuthKind)
	assert.True(t, a.Enabled)
	assert.Equal(t, 24*time.Hour, a.SyncInterval)

	b := cfg.Services[1].Descriptor(24 * time.Hour)
	assert.Equal(t, time.Hour, b.SyncInterval)
	assert.False(t, b.Enabled)

	client := cfg.Services[0].OAuth.Client()
	assert.Equal(t, "https://crm-a.example.com/oauth/token", client.TokenURL)
}

func TestConfigService(t *testing.T) {
	cfg := validConfig()

	s, ok := cfg.Service("crm-b")
	require.True(t, ok)
	assert.Equal(t, "api_key", s.AuthKind)

	_, ok = cfg.Service("crm-z")
	assert.False(t, ok)
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.DSN = "postgres://sdr:hunter2@db/crm"

	out := cfg.String()

	assert.NotContains(t, out, "shh")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "crm-a")
	assert.Equal(t, "shh", cfg.Services[0].OAuth.ClientSecret, "String must not modify the config")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad key", func(c *Config) { c.Services[0].Key = "CRM A" }, "service 0"},
		{"bad auth kind", func(c *Config) { c.Services[1].AuthKind = "basic" }, "invalid auth kind"},
		{"duplicate key", func(c *Config) { c.Services[1].Key = "crm-a" }, "duplicate key"},
		{"bad token url", func(c *Config) { c.Services[0].OAuth.TokenURL = "ftp://x" }, "token_url"},
		{"bad schedule", func(c *Config) { c.Sync.Schedule = "every hour" }, "invalid sync schedule"},
		{"negative threshold", func(c *Config) { c.Execution.BulkThreshold = -1 }, "execution"},
		{"unknown backend", func(c *Config) { c.Credentials.Backend = "env" }, "credentials backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage driver"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	cfg.Storage.Driver = "mysql"

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 2)
}
