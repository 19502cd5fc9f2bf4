package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/internal/tracing"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

// DefaultFetchTimeout bounds one metadata fetch.
const DefaultFetchTimeout = 2 * time.Minute

// Fetcher pulls live metadata for a service.
type Fetcher interface {
	Fetch(ctx context.Context, service string) (RawMetadata, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, service string) (RawMetadata, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, service string) (RawMetadata, error) {
	return f(ctx, service)
}

// Result is the outcome of one sync.
type Result struct {
	Snapshot *Snapshot
	// Fetched is true when live metadata was pulled.
	Fetched bool
	// Stale is true when the fetch failed and the last good snapshot was returned.
	Stale   bool
	Warning string
	// Changed is true when a fetch produced a different hash than the previous snapshot.
	Changed bool
	Diff    Diff
}

// SyncOptions configures a SyncEngine.
type SyncOptions struct {
	Services     service.Registry
	Cache        Cache
	Fetcher      Fetcher
	FetchTimeout time.Duration
	Now          func() time.Time
}

// SyncEngine keeps the snapshot cache current. Syncs for different services
// run concurrently; syncs for one service are serialized and concurrent
// requests join the one in flight.
type SyncEngine struct {
	services service.Registry
	cache    Cache
	fetcher  Fetcher
	timeout  time.Duration
	now      func() time.Time

	flights singleflight.Group
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSyncEngine creates a sync engine.
func NewSyncEngine(opts SyncOptions) (*SyncEngine, error) {
	if opts.Services == nil || opts.Cache == nil || opts.Fetcher == nil {
		return nil, errors.New("sync engine requires services, cache and fetcher")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncEngine{
		services: opts.Services,
		cache:    opts.Cache,
		fetcher:  opts.Fetcher,
		timeout:  opts.FetchTimeout,
		now:      opts.Now,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Snapshot returns the cached snapshot without any policy check.
func (e *SyncEngine) Snapshot(ctx context.Context, key string) (*Snapshot, error) {
	return e.cache.LoadSnapshot(ctx, key)
}

// Sync returns a current snapshot for key. Without force, a snapshot younger
// than the service's sync interval is returned with no fetch.
func (e *SyncEngine) Sync(ctx context.Context, key string, force bool) (Result, error) {
	flight := key
	if force {
		flight = key + "#force"
	}
	ch := e.flights.DoChan(flight, func() (interface{}, error) {
		return e.sync(tracing.Detach(ctx), key, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, crmerr.Wrap(crmerr.KindOf(ctx.Err()), key, ctx.Err())
	}
}

func (e *SyncEngine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

func (e *SyncEngine) sync(ctx context.Context, key string, force bool) (Result, error) {
	l := e.lockFor(key)
	l.Lock()
	defer l.Unlock()

	ctx, span := tracing.StartSpan(ctx, "schema", "schema.sync",
		attribute.String("service", key),
		attribute.Bool("force", force),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	desc, err := e.services.GetService(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !desc.Enabled {
		err = fmt.Errorf("%w: %s", service.ErrServiceDisabled, key)
		return Result{}, err
	}

	prev, loadErr := e.cache.LoadSnapshot(ctx, key)
	if loadErr != nil && !errors.Is(loadErr, ErrNoSnapshot) {
		log.Warn().Err(loadErr).Str("service", key).Msg("Failed to load cached snapshot")
	}
	if loadErr != nil {
		prev = nil
	}

	now := e.now()
	if !force && prev != nil && desc.Fresh(now) {
		observability.RecordSchemaSync(key, "cached", 0)
		return Result{Snapshot: prev}, nil
	}

	start := time.Now()
	snap, fetchErr := e.fetch(ctx, key, now)
	if fetchErr != nil {
		if prev != nil {
			observability.RecordSchemaSync(key, "stale", time.Since(start))
			log.Warn().
				Err(fetchErr).
				Str("service", key).
				Time("snapshot_fetched_at", prev.FetchedAt).
				Msg("Schema fetch failed, using last known good snapshot")
			return Result{
				Snapshot: prev,
				Stale:    true,
				Warning:  fmt.Sprintf("schema for %s may be stale (last synced %s): %v", key, prev.FetchedAt.Format(time.RFC3339), fetchErr),
			}, nil
		}
		observability.RecordSchemaSync(key, "failed", time.Since(start))
		err = syncFailure(key, fetchErr)
		return Result{}, err
	}

	if err = e.cache.SaveSnapshot(ctx, snap); err != nil {
		err = crmerr.Wrap(crmerr.KindSyncFailed, key, fmt.Errorf("failed to save snapshot: %w", err))
		return Result{}, err
	}
	if err = e.services.MarkSynced(ctx, key, now, snap.Hash, snap.ObjectKeys()); err != nil {
		err = fmt.Errorf("failed to mark %s synced: %w", key, err)
		return Result{}, err
	}

	res := Result{
		Snapshot: snap,
		Fetched:  true,
		Changed:  prev == nil || prev.Hash != snap.Hash,
	}
	if res.Changed {
		res.Diff = Compare(prev, snap)
	}
	observability.RecordSchemaSync(key, "fetched", time.Since(start))
	log.Info().
		Str("service", key).
		Str("hash", snap.Hash).
		Int("objects", len(snap.Objects)).
		Bool("changed", res.Changed).
		Msg("Schema synced")
	return res, nil
}

// fetch pulls and builds a complete snapshot. Nothing is cached on error.
func (e *SyncEngine) fetch(ctx context.Context, key string, now time.Time) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.fetcher.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return Build(key, raw, now)
}

// syncFailure keeps credential failures visible so callers can prompt for
// setup or re-authentication; everything else is sync_failed.
func syncFailure(key string, err error) error {
	switch crmerr.KindOf(err) {
	case crmerr.KindNotConfigured, crmerr.KindAuthFailed, crmerr.KindCanceled:
		return crmerr.From(key, err)
	}
	return crmerr.Wrap(crmerr.KindSyncFailed, key, err)
}
