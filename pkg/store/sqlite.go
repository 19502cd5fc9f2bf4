package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS services (
	key TEXT PRIMARY KEY,
	auth_kind TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 0,
	last_sync INTEGER NOT NULL DEFAULT 0,
	sync_interval_ms INTEGER NOT NULL DEFAULT 0,
	schema_hash TEXT NOT NULL DEFAULT '',
	objects TEXT NOT NULL DEFAULT '[]',
	settings TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	service TEXT PRIMARY KEY,
	format_version TEXT NOT NULL,
	hash TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	body TEXT NOT NULL
);
`

// SQLite is the default single-user store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps upserts serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("SQLite store opened")
	return &SQLite{db: db}, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetService implements service.Registry.
func (s *SQLite) GetService(ctx context.Context, key string) (service.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, auth_kind, enabled, last_sync, sync_interval_ms, schema_hash, objects, settings
		FROM services WHERE key = ?`, key)

	var r serviceRow
	if err := row.Scan(&r.Key, &r.AuthKind, &r.Enabled, &r.LastSync, &r.IntervalMs, &r.SchemaHash, &r.Objects, &r.Settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return service.Descriptor{}, fmt.Errorf("%w: %s", service.ErrUnknownService, key)
		}
		return service.Descriptor{}, err
	}
	return r.descriptor()
}

// ListServices implements service.Registry.
func (s *SQLite) ListServices(ctx context.Context) ([]service.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, auth_kind, enabled, last_sync, sync_interval_ms, schema_hash, objects, settings
		FROM services ORDER BY key`)
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
func (s *SQLite) PutService(ctx context.Context, d service.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r, err := toRow(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (key, auth_kind, enabled, last_sync, sync_interval_ms, schema_hash, objects, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			auth_kind = excluded.auth_kind,
			enabled = excluded.enabled,
			last_sync = excluded.last_sync,
			sync_interval_ms = excluded.sync_interval_ms,
			schema_hash = excluded.schema_hash,
			objects = excluded.objects,
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		r.Key, r.AuthKind, r.Enabled, r.LastSync, r.IntervalMs, r.SchemaHash, r.Objects, r.Settings, time.Now().UnixMilli())
	return err
}

// SetEnabled implements service.Registry.
func (s *SQLite) SetEnabled(ctx context.Context, key string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET enabled = ?, updated_at = ? WHERE key = ?`,
		enabled, time.Now().UnixMilli(), key)
	if err != nil {
		return err
	}
	return requireRow(res, key)
}

// MarkSynced implements service.Registry.
func (s *SQLite) MarkSynced(ctx context.Context, key string, at time.Time, schemaHash string, objects []string) error {
	objs, err := json.Marshal(objects)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET last_sync = ?, schema_hash = ?, objects = ?, updated_at = ?
		WHERE key = ?`,
		at.UnixMilli(), schemaHash, string(objs), time.Now().UnixMilli(), key)
	if err != nil {
		return err
	}
	return requireRow(res, key)
}

// LoadSnapshot implements schema.Cache.
func (s *SQLite) LoadSnapshot(ctx context.Context, svc string) (*schema.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE service = ?`, svc).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schema.ErrNoSnapshot
		}
		return nil, err
	}
	return decodeSnapshot(svc, []byte(body))
}

// SaveSnapshot implements schema.Cache. The row is replaced inside one
// transaction so readers see either the old or the new snapshot.
func (s *SQLite) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	body, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (service, format_version, hash, fetched_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			format_version = excluded.format_version,
			hash = excluded.hash,
			fetched_at = excluded.fetched_at,
			body = excluded.body`,
		snap.Service, snap.FormatVersion, snap.Hash, snap.FetchedAt.UnixMilli(), string(body)); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", service.ErrUnknownService, key)
	}
	return nil
}
