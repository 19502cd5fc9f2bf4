// Package store persists the service registry and schema snapshots so both
// survive a restart.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

// Store is a durable service registry and snapshot cache.
type Store interface {
	service.Registry
	schema.Cache
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

// Open opens the configured backend and makes sure its tables exist.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// serviceRow is the column form of a descriptor shared by both backends.
type serviceRow struct {
	Key        string
	AuthKind   string
	Enabled    bool
	LastSync   int64
	IntervalMs int64
	SchemaHash string
	Objects    string
	Settings   string
}

func toRow(d service.Descriptor) (serviceRow, error) {
	objects, err := json.Marshal(d.Objects)
	if err != nil {
		return serviceRow{}, err
	}
	settings, err := json.Marshal(d.Settings)
	if err != nil {
		return serviceRow{}, err
	}
	r := serviceRow{
		Key:        d.Key,
		AuthKind:   string(d.AuthKind),
		Enabled:    d.Enabled,
		IntervalMs: d.SyncInterval.Milliseconds(),
		SchemaHash: d.SchemaHash,
		Objects:    string(objects),
		Settings:   string(settings),
	}
	if !d.LastSync.IsZero() {
		r.LastSync = d.LastSync.UnixMilli()
	}
	return r, nil
}

func (r serviceRow) descriptor() (service.Descriptor, error) {
	d := service.Descriptor{
		Key:          r.Key,
		AuthKind:     service.AuthKind(r.AuthKind),
		Enabled:      r.Enabled,
		SyncInterval: time.Duration(r.IntervalMs) * time.Millisecond,
		SchemaHash:   r.SchemaHash,
	}
	if r.LastSync > 0 {
		d.LastSync = time.UnixMilli(r.LastSync).UTC()
	}
	if r.Objects != "" {
		if err := json.Unmarshal([]byte(r.Objects), &d.Objects); err != nil {
			return d, fmt.Errorf("decode objects for %s: %w", r.Key, err)
		}
	}
	if r.Settings != "" {
		if err := json.Unmarshal([]byte(r.Settings), &d.Settings); err != nil {
			return d, fmt.Errorf("decode settings for %s: %w", r.Key, err)
		}
	}
	return d, nil
}

func encodeSnapshot(s *schema.Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// decodeSnapshot returns schema.ErrNoSnapshot for a snapshot written in a
// format this build cannot read, which forces a fresh fetch.
func decodeSnapshot(service string, body []byte) (*schema.Snapshot, error) {
	var s schema.Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", service, err)
	}
	if err := schema.CheckFormat(s.FormatVersion); err != nil {
		log.Warn().Err(err).Str("service", service).Msg("Ignoring cached snapshot")
		return nil, schema.ErrNoSnapshot
	}
	return &s, nil
}
