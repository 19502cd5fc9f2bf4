// Package app assembles one sdrbot session from configuration: storage,
// credentials, adapters, schema sync and the execution engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/internal/config"
	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/internal/tracing"
	"github.com/NForce-ai/SDRbot/pkg/adapter"
	"github.com/NForce-ai/SDRbot/pkg/commandqueue"
	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/hooks"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
	"github.com/NForce-ai/SDRbot/pkg/store"
	"github.com/NForce-ai/SDRbot/pkg/toolexecutor"
)

// Options overrides parts of the wiring, mainly for tests.
type Options struct {
	Config *config.Config
	// Approvals answers approval prompts. Defaults to a terminal prompt on
	// stdin/stdout.
	Approvals toolexecutor.ApprovalHandler
	// Backend replaces the configured secret backend.
	Backend credential.Backend
	// Store replaces the configured registry and snapshot store.
	Store store.Store
	// Adapters are registered in addition to fixture-backed services.
	Adapters map[string]adapter.Adapter
	Now      func() time.Time
}

// App is a fully wired session.
type App struct {
	Config      *config.Config
	Store       store.Store
	Credentials *credential.Store
	Exchanger   *credential.OAuth2Exchanger
	Adapters    *adapter.Registry
	Sync        *schema.SyncEngine
	Scheduler   *schema.Scheduler
	Session     *toolexecutor.Session
	Engine      *toolexecutor.Engine
	Queue       *commandqueue.Queue
	Hooks       *hooks.Manager

	now       func() time.Time
	ctx       context.Context
	metrics   *http.Server
	tracing   bool
	closeOnce sync.Once
}

// New builds the application. Nothing runs in the background until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	observability.EnsureRegistered()
	a := &App{Config: cfg, now: now, ctx: tracing.NewSessionContext(context.Background())}
	if cfg.Telemetry.Tracing {
		if err := tracing.InitOpenTelemetry("sdrbot"); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			a.tracing = true
		}
	}
	if cfg.Telemetry.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Telemetry.AuditFile); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		}
	}

	if err := a.build(ctx, opts, now); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options, now func() time.Time) error {
	cfg := a.Config

	bound := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		bound = append(bound, h.Hook())
	}
	var err error
	if a.Hooks, err = hooks.NewManager(bound, log.Logger); err != nil {
		return err
	}

	a.Store = opts.Store
	if a.Store == nil {
		st, err := store.Open(ctx, store.Config{
			Driver: cfg.Storage.Driver,
			Path:   cfg.Storage.Path,
			DSN:    cfg.Storage.DSN,
		})
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		a.Store = st
	}
	if err := SeedServices(ctx, a.Store, cfg); err != nil {
		return err
	}

	backend := opts.Backend
	if backend == nil {
		b, err := newBackend(cfg.Credentials)
		if err != nil {
			return err
		}
		backend = b
	}
	a.Exchanger = credential.NewOAuth2Exchanger(cfg.Credentials.ExchangeRetries, cfg.Credentials.ExchangeTimeout)
	for _, s := range cfg.Services {
		if service.AuthKind(s.AuthKind) == service.AuthOAuth2 && s.OAuth.TokenURL != "" {
			a.Exchanger.Register(s.Key, s.OAuth.Client())
		}
	}
	creds, err := credential.NewStore(credential.Options{
		Backend:         backend,
		Services:        a.Store,
		Exchanger:       a.Exchanger,
		RefreshSkew:     cfg.Credentials.RefreshSkew,
		ExchangeTimeout: cfg.Credentials.ExchangeTimeout,
		Now:             now,
	})
	if err != nil {
		return err
	}
	a.Credentials = creds

	a.Adapters = adapter.NewRegistry()
	for _, s := range cfg.Services {
		if s.Fixture == "" {
			continue
		}
		fixture, err := adapter.LoadFixture(s.Fixture)
		if err != nil {
			return fmt.Errorf("service %s: %w", s.Key, err)
		}
		if err := a.Adapters.Register(s.Key, adapter.NewMemory(s.Key, fixture)); err != nil {
			return err
		}
	}
	for key, ad := range opts.Adapters {
		if err := a.Adapters.Register(key, ad); err != nil {
			return err
		}
	}

	a.Sync, err = schema.NewSyncEngine(schema.SyncOptions{
		Services:     a.Store,
		Cache:        a.Store,
		Fetcher:      adapter.NewSchemaFetcher(a.Adapters, a.Credentials),
		FetchTimeout: cfg.Sync.FetchTimeout,
		Now:          now,
	})
	if err != nil {
		return err
	}

	a.Session, err = toolexecutor.NewSession(toolexecutor.SessionOptions{
		Key:         tracing.GetSessionKey(a.ctx),
		Credentials: a.Credentials,
		Schemas:     a.Sync,
		Adapters:    a.Adapters,
	})
	if err != nil {
		return err
	}

	a.Scheduler, err = schema.NewScheduler(a.Sync, a.Store, cfg.Sync.Schedule, func(key string, res schema.Result) {
		a.NotifySchemaChanged(a.ctx, key, res)
		if diff := a.Session.Apply(a.ctx, key, res); !diff.Empty() {
			log.Info().Str("service", key).Int("added", len(diff.Added)).Int("removed", len(diff.Removed)).Msg("Background sync updated tools")
		}
	})
	if err != nil {
		return err
	}

	handler := opts.Approvals
	if handler == nil {
		handler = toolexecutor.NewCLIApprovalHandler(os.Stdin, os.Stdout)
	}
	approvals := toolexecutor.NewApprovalManager(handler)
	approvals.SetDefaultTimeout(cfg.Execution.ApprovalTimeout)

	a.Queue = commandqueue.New()
	policy := cfg.Execution.Policy()
	a.Engine, err = toolexecutor.New(toolexecutor.Config{
		Session:   a.Session,
		Approvals: approvals,
		Policy:    &policy,
		Queue:     a.Queue,
		Now:       now,
	})
	if err != nil {
		return err
	}
	a.Engine.SetAutoApprove(cfg.Execution.AutoApprove)
	return nil
}

// Start runs the background schema scheduler and, when configured, the
// metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	a.Scheduler.Start(ctx)
	if addr := a.Config.Telemetry.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
			}
		}()
		log.Info().Str("addr", addr).Msg("Metrics server started")
	}
	return nil
}

// ApplyConfig pushes a reloaded configuration into the running session.
// Only execution limits take effect without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	if err := a.Engine.SetPolicy(cfg.Execution.Policy()); err != nil {
		log.Warn().Err(err).Msg("Rejected reloaded execution policy")
		return
	}
	log.Info().Int("bulk_threshold", cfg.Execution.BulkThreshold).Msg("Execution policy reloaded")
}

// NotifySchemaChanged runs schema:changed hooks when a fetch produced a
// new schema hash.
func (a *App) NotifySchemaChanged(ctx context.Context, key string, res schema.Result) {
	if !res.Changed || res.Snapshot == nil {
		return
	}
	a.Hooks.Fire(ctx, hooks.EventSchemaChanged, map[string]interface{}{
		"service":         key,
		"hash":            res.Snapshot.Hash,
		"added_objects":   res.Diff.AddedObjects,
		"removed_objects": res.Diff.RemovedObjects,
	})
}

// NotifyOutcome runs action hooks for a finished action.
func (a *App) NotifyOutcome(ctx context.Context, o toolexecutor.Outcome) {
	event := hooks.EventActionCompleted
	if o.Status == toolexecutor.StatusDenied {
		event = hooks.EventActionDenied
	}
	if !a.Hooks.Has(event) {
		return
	}
	payload := map[string]interface{}{
		"correlation_id": o.CorrelationID,
		"service":        o.Service,
		"tool":           o.Tool,
		"status":         string(o.Status),
		"affected":       o.Affected,
	}
	if o.Error != nil {
		payload["error_kind"] = string(o.Error.Kind)
		payload["error"] = o.Error.Error()
	}
	a.Hooks.Fire(ctx, event, payload)
}

// Context returns a background context carrying the session's trace and
// session ids.
func (a *App) Context() context.Context {
	return a.ctx
}

// Now reads the application clock.
func (a *App) Now() time.Time {
	return a.now()
}

// Close stops background work and releases resources.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.Scheduler != nil {
			a.Scheduler.Stop()
		}
		if a.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, a.metrics.Shutdown(ctx))
			cancel()
		}
		if a.Engine != nil {
			errs = append(errs, a.Engine.Close())
		}
		if a.Queue != nil {
			errs = append(errs, a.Queue.Close())
		}
		if a.Store != nil {
			errs = append(errs, a.Store.Close())
		}
		if a.tracing {
			errs = append(errs, tracing.ShutdownOpenTelemetry(context.Background()))
		}
	})
	return errors.Join(errs...)
}

func newBackend(c config.CredentialsConfig) (credential.Backend, error) {
	switch c.Backend {
	case "file":
		passphrase := os.Getenv(c.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("credential vault passphrase not set; export %s", c.PassphraseEnv)
		}
		return credential.NewVaultBackend(c.File, passphrase)
	default:
		return credential.NewKeyringBackend(c.KeyringService), nil
	}
}

// SeedServices makes the registry agree with the configured services.
// New entries take every configured value. Existing entries keep their
// enabled flag and sync bookkeeping, which the CLI and the sync engine own.
func SeedServices(ctx context.Context, reg service.Registry, cfg *config.Config) error {
	for _, s := range cfg.Services {
		want := s.Descriptor(cfg.Sync.DefaultInterval)
		have, err := reg.GetService(ctx, s.Key)
		switch {
		case errors.Is(err, service.ErrUnknownService):
		case err != nil:
			return fmt.Errorf("failed to read service %s: %w", s.Key, err)
		default:
			want.Enabled = have.Enabled
			want.LastSync = have.LastSync
			want.SchemaHash = have.SchemaHash
			want.Objects = have.Objects
		}
		if err := reg.PutService(ctx, want); err != nil {
			return fmt.Errorf("failed to register service %s: %w", s.Key, err)
		}
	}
	return nil
}
