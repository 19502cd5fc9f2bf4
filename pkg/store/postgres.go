package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS sdrbot;

CREATE TABLE IF NOT EXISTS sdrbot.services (
	key TEXT PRIMARY KEY,
	auth_kind TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT false,
	last_sync BIGINT NOT NULL DEFAULT 0,
	sync_interval_ms BIGINT NOT NULL DEFAULT 0,
	schema_hash TEXT NOT NULL DEFAULT '',
	objects JSONB NOT NULL DEFAULT '[]'::jsonb,
	settings JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sdrbot.snapshots (
	service TEXT PRIMARY KEY,
	format_version TEXT NOT NULL,
	hash TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	body JSONB NOT NULL
);
`

// Postgres is a shared store for teams running several agents against the same tenants.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and bootstraps the tables.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const selectService = `
	SELECT key, auth_kind, enabled, last_sync, sync_interval_ms, schema_hash, objects::text, settings::text
	FROM sdrbot.services`

// GetService implements service.Registry.
func (p *Postgres) GetService(ctx context.Context, key string) (service.Descriptor, error) {
	var r serviceRow
	err := p.pool.QueryRow(ctx, selectService+` WHERE key=$1`, key).
		Scan(&r.Key, &r.AuthKind, &r.Enabled, &r.LastSync, &r.IntervalMs, &r.SchemaHash, &r.Objects, &r.Settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Descriptor{}, fmt.Errorf("%w: %s", service.ErrUnknownService, key)
		}
		return service.Descriptor{}, err
	}
	return r.descriptor()
}

// ListServices implements service.Registry.
func (p *Postgres) ListServices(ctx context.Context) ([]service.Descriptor, error) {
	rows, err := p.pool.Query(ctx, selectService+` ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []service.Descriptor
	for rows.Next() {
		var r serviceRow
		if err := rows.Scan(&r.Key, &r.AuthKind, &r.Enabled, &r.LastSync, &r.IntervalMs, &r.SchemaHash, &r.Objects, &r.Settings); err != nil {
			return nil, err
		}
		d, err := r.descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutService implements service.Registry.
func (p *Postgres) PutService(ctx context.Context, d service.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r, err := toRow(d)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sdrbot.services (key, auth_kind, enabled, last_sync, sync_interval_ms, schema_hash, objects, settings)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb)
		ON CONFLICT (key) DO UPDATE SET
		  auth_kind=EXCLUDED.auth_kind,
		  enabled=EXCLUDED.enabled,
		  last_sync=EXCLUDED.last_sync,
		  sync_interval_ms=EXCLUDED.sync_interval_ms,
		  schema_hash=EXCLUDED.schema_hash,
		  objects=EXCLUDED.objects,
		  settings=EXCLUDED.settings,
		  updated_at=now()
	`, r.Key, r.AuthKind, r.Enabled, r.LastSync, r.IntervalMs, r.SchemaHash, r.Objects, r.Settings)
	return err
}

// SetEnabled implements service.Registry.
func (p *Postgres) SetEnabled(ctx context.Context, key string, enabled bool) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sdrbot.services SET enabled=$2, updated_at=now() WHERE key=$1
	`, key, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", service.ErrUnknownService, key)
	}
	return nil
}

// MarkSynced implements service.Registry.
func (p *Postgres) MarkSynced(ctx context.Context, key string, at time.Time, schemaHash string, objects []string) error {
	objs, err := json.Marshal(objects)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE sdrbot.services
		SET last_sync=$2, schema_hash=$3, objects=$4::jsonb, updated_at=now()
		WHERE key=$1
	`, key, at.UnixMilli(), schemaHash, string(objs))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", service.ErrUnknownService, key)
	}
	return nil
}

// LoadSnapshot implements schema.Cache.
func (p *Postgres) LoadSnapshot(ctx context.Context, svc string) (*schema.Snapshot, error) {
	var body string
	err := p.pool.QueryRow(ctx, `SELECT body::text FROM sdrbot.snapshots WHERE service=$1`, svc).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, schema.ErrNoSnapshot
		}
		return nil, err
	}
	return decodeSnapshot(svc, []byte(body))
}

// SaveSnapshot implements schema.Cache.
func (p *Postgres) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	body, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sdrbot.snapshots (service, format_version, hash, fetched_at, body)
		VALUES ($1,$2,$3,$4,$5::jsonb)
		ON CONFLICT (service) DO UPDATE SET
		  format_version=EXCLUDED.format_version,
		  hash=EXCLUDED.hash,
		  fetched_at=EXCLUDED.fetched_at,
		  body=EXCLUDED.body
	`, snap.Service, snap.FormatVersion, snap.Hash, snap.FetchedAt, string(body))
	return err
}
