package toolexecutor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/internal/tracing"
	"github.com/NForce-ai/SDRbot/pkg/adapter"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// Schemas is the part of the sync engine a session needs.
type Schemas interface {
	Sync(ctx context.Context, key string, force bool) (schema.Result, error)
}

// SessionOptions wires a session to its collaborators.
type SessionOptions struct {
	Key         string
	Credentials adapter.Credentials
	Schemas     Schemas
	Adapters    *adapter.Registry
}

// Session holds everything one interactive session executes against: the
// credential store, the schema sync engine, the adapters and the tool
// catalogs generated so far.
type Session struct {
	key       string
	creds     adapter.Credentials
	schemas   Schemas
	adapters  *adapter.Registry
	validator *toolgen.Validator

	mu        sync.RWMutex
	catalogs  map[string]toolgen.Catalog
	snapshots map[string]*schema.Snapshot
}

// NewSession creates a session. A key is generated when none is given.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Credentials == nil || opts.Schemas == nil || opts.Adapters == nil {
		return nil, errors.New("session requires credentials, schemas and adapters")
	}
	if opts.Key == "" {
		opts.Key = tracing.NewSessionKey()
	}
	return &Session{
		key:       opts.Key,
		creds:     opts.Credentials,
		schemas:   opts.Schemas,
		adapters:  opts.Adapters,
		validator: toolgen.NewValidator(),
		catalogs:  make(map[string]toolgen.Catalog),
		snapshots: make(map[string]*schema.Snapshot),
	}, nil
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// Context tags ctx with the session key.
func (s *Session) Context(ctx context.Context) context.Context {
	return tracing.WithSessionKey(ctx, s.key)
}

// Load syncs a service under its interval policy and installs the catalog
// generated from the resulting snapshot.
func (s *Session) Load(ctx context.Context, key string) (toolgen.Catalog, error) {
	res, err := s.schemas.Sync(ctx, key, false)
	if err != nil {
		return toolgen.Catalog{}, err
	}
	if res.Stale {
		log.Warn().Str("service", key).Str("warning", res.Warning).Msg("Using last known schema")
	}
	catalog, _ := s.install(ctx, key, res.Snapshot)
	return catalog, nil
}

// Resync forces a fresh sync and regenerates the service's catalog.
func (s *Session) Resync(ctx context.Context, key string) (schema.Result, toolgen.Catalog, error) {
	res, err := s.schemas.Sync(ctx, key, true)
	if err != nil {
		return schema.Result{}, toolgen.Catalog{}, err
	}
	catalog, diff := s.install(ctx, key, res.Snapshot)
	if !diff.Empty() {
		log.Info().
			Str("service", key).
			Strs("added", diff.Added).
			Strs("removed", diff.Removed).
			Strs("changed", diff.Changed).
			Msg("Tool catalog changed")
	}
	return res, catalog, nil
}

// Apply installs a snapshot synced outside the session, such as by the
// background scheduler. Services the session has not loaded are left alone.
func (s *Session) Apply(ctx context.Context, key string, res schema.Result) toolgen.CatalogDiff {
	s.mu.RLock()
	_, loaded := s.catalogs[key]
	s.mu.RUnlock()
	if !loaded || res.Snapshot == nil {
		return toolgen.CatalogDiff{}
	}
	_, diff := s.install(ctx, key, res.Snapshot)
	return diff
}

func (s *Session) install(ctx context.Context, key string, snap *schema.Snapshot) (toolgen.Catalog, toolgen.CatalogDiff) {
	_, span := tracing.StartSpan(ctx, "toolexecutor", "toolgen.generate",
		attribute.String("service", key),
	)
	catalog := toolgen.Generate(snap)
	span.SetAttributes(attribute.Int("tools", len(catalog.Tools)))
	span.End()

	s.mu.Lock()
	prev := s.catalogs[key]
	s.catalogs[key] = catalog
	s.snapshots[key] = snap
	s.mu.Unlock()

	observability.SetCatalogTools(key, len(catalog.Tools))
	return catalog, toolgen.DiffCatalogs(prev, catalog)
}

// Catalog returns the installed catalog for a service.
func (s *Session) Catalog(key string) (toolgen.Catalog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.catalogs[key]
	return c, ok
}

// Catalogs returns every installed catalog ordered by service.
func (s *Session) Catalogs() []toolgen.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]toolgen.Catalog, 0, len(s.catalogs))
	for _, c := range s.catalogs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Snapshot returns the snapshot the service's catalog was generated from.
func (s *Session) Snapshot(key string) *schema.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[key]
}

// Resolve finds a tool by name, loading the owning service's catalog on
// first use.
func (s *Session) Resolve(ctx context.Context, name string) (toolgen.ToolDefinition, error) {
	if tool, ok := s.lookup(name); ok {
		return tool, nil
	}
	for _, key := range s.adapters.Keys() {
		if !strings.HasPrefix(name, key+"_") {
			continue
		}
		if _, loaded := s.Catalog(key); loaded {
			continue
		}
		catalog, err := s.Load(ctx, key)
		if err != nil {
			return toolgen.ToolDefinition{}, err
		}
		if tool, ok := catalog.Lookup(name); ok {
			return tool, nil
		}
	}
	e := crmerr.Validation("tool", "unknown tool %s", name)
	return toolgen.ToolDefinition{}, e
}

func (s *Session) lookup(name string) (toolgen.ToolDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.catalogs {
		if tool, ok := c.Lookup(name); ok {
			return tool, true
		}
	}
	return toolgen.ToolDefinition{}, false
}
