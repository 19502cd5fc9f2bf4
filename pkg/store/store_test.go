package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state", "sdrbot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openPostgres(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("SDRBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SDRBOT_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), Config{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]func(*testing.T) Store {
	return map[string]func(*testing.T) Store{
		"sqlite":   openSQLite,
		"postgres": openPostgres,
	}
}

func TestStore_ServiceRegistry(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			key := "crm-reg-" + name

			_, err := s.GetService(ctx, key)
			assert.ErrorIs(t, err, service.ErrUnknownService)

			d := service.Descriptor{
				Key:          key,
				AuthKind:     service.AuthOAuth2,
				Enabled:      true,
				SyncInterval: 2 * time.Hour,
				Settings:     map[string]string{"instance_url": "https://a.example"},
			}
			require.NoError(t, s.PutService(ctx, d))

			got, err := s.GetService(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, service.AuthOAuth2, got.AuthKind)
			assert.True(t, got.Enabled)
			assert.Equal(t, 2*time.Hour, got.SyncInterval)
			assert.False(t, got.Synced())
			assert.Equal(t, "https://a.example", got.Setting("instance_url", ""))

			at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, s.MarkSynced(ctx, key, at, "abcd1234abcd1234", []string{"Contact", "Deal"}))
			require.NoError(t, s.SetEnabled(ctx, key, false))

			got, err = s.GetService(ctx, key)
			require.NoError(t, err)
			assert.False(t, got.Enabled)
			assert.True(t, got.LastSync.Equal(at))
			assert.Equal(t, "abcd1234abcd1234", got.SchemaHash)
			assert.Equal(t, []string{"Contact", "Deal"}, got.Objects)

			assert.ErrorIs(t, s.SetEnabled(ctx, key+"-missing", true), service.ErrUnknownService)
			assert.ErrorIs(t, s.MarkSynced(ctx, key+"-missing", at, "", nil), service.ErrUnknownService)

			all, err := s.ListServices(ctx)
			require.NoError(t, err)
			found := false
			for _, d := range all {
				if d.Key == key {
					found = true
				}
			}
			assert.True(t, found)
		})
	}
}

func TestStore_Snapshots(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			svc := "crm-snap-" + name

			_, err := s.LoadSnapshot(ctx, svc)
			assert.ErrorIs(t, err, schema.ErrNoSnapshot)

			snap, err := schema.Build(svc, schema.RawMetadata{Objects: []schema.RawObject{{
				Key:    "Contact",
				Fields: []schema.RawField{{Name: "name", Type: "text"}, {Name: "email", Type: "email"}},
			}}}, time.Unix(1700000000, 0))
			require.NoError(t, err)
			require.NoError(t, s.SaveSnapshot(ctx, snap))

			got, err := s.LoadSnapshot(ctx, svc)
			require.NoError(t, err)
			assert.Equal(t, snap.Hash, got.Hash)
			assert.Equal(t, snap.Objects, got.Objects)
			assert.True(t, snap.FetchedAt.Equal(got.FetchedAt))

			next, err := schema.Build(svc, schema.RawMetadata{Objects: []schema.RawObject{{Key: "Lead"}}}, time.Unix(1700000100, 0))
			require.NoError(t, err)
			require.NoError(t, s.SaveSnapshot(ctx, next))
			got, err = s.LoadSnapshot(ctx, svc)
			require.NoError(t, err)
			assert.Equal(t, []string{"Lead"}, got.ObjectKeys())
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdrbot.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.PutService(ctx, service.Descriptor{Key: "crm-a", AuthKind: service.AuthAPIKey, Enabled: true}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	d, err := s.GetService(ctx, "crm-a")
	require.NoError(t, err)
	assert.True(t, d.Enabled)
}

func TestSQLite_IncompatibleSnapshotIgnored(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sdrbot.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveSnapshot(ctx, &schema.Snapshot{Service: "crm-a", FormatVersion: "2.0.0", Hash: "x"}))
	_, err = s.LoadSnapshot(ctx, "crm-a")
	assert.ErrorIs(t, err, schema.ErrNoSnapshot)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"})
	assert.Error(t, err)
}
