package credential

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

type countingExchanger struct {
	calls   atomic.Int32
	release chan struct{}
	fresh   Credential
	err     error
}

func (e *countingExchanger) Exchange(ctx context.Context, _ string, _ Credential) (Credential, error) {
	e.calls.Add(1)
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	return e.fresh, e.err
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, ex Exchanger) *Store {
	t.Helper()
	keyring.MockInit()

	reg := service.NewMemoryRegistry(
		service.Descriptor{Key: "crm-a", AuthKind: service.AuthOAuth2, Enabled: true},
		service.Descriptor{Key: "crm-b", AuthKind: service.AuthAPIKey, Enabled: true},
	)
	s, err := NewStore(Options{
		Backend:   NewKeyringBackend(""),
		Services:  reg,
		Exchanger: ex,
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return s
}

func TestStore_GetNotConfigured(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.Get(context.Background(), "crm-a")
	require.Error(t, err)
	assert.True(t, crmerr.IsKind(err, crmerr.KindNotConfigured))
}

func TestStore_PutGetRevoke(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	cred := Credential{AccessToken: "key-123", Extra: map[string]string{"instance_url": "https://a.example"}}
	require.NoError(t, s.Put(ctx, "crm-b", cred))

	got, err := s.Get(ctx, "crm-b")
	require.NoError(t, err)
	assert.Equal(t, "key-123", got.AccessToken)
	assert.Equal(t, "https://a.example", got.Extra["instance_url"])
	assert.True(t, s.Configured(ctx, "crm-b"))

	require.NoError(t, s.Revoke(ctx, "crm-b"))
	_, err = s.Get(ctx, "crm-b")
	assert.True(t, crmerr.IsKind(err, crmerr.KindNotConfigured))
	assert.False(t, s.Status(ctx, "crm-b").Configured)

	// Revoking twice is harmless.
	require.NoError(t, s.Revoke(ctx, "crm-b"))
}

func TestStore_PutRejectsEmpty(t *testing.T) {
	s := newTestStore(t, nil)
	assert.Error(t, s.Put(context.Background(), "crm-a", Credential{}))
	assert.Error(t, s.Put(context.Background(), "Bad Key", Credential{AccessToken: "x"}))
}

func TestStore_RefreshNoOpForAPIKey(t *testing.T) {
	ex := &countingExchanger{}
	s := newTestStore(t, ex)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "crm-b", Credential{AccessToken: "key"}))

	got, err := s.Refresh(ctx, "crm-b")
	require.NoError(t, err)
	assert.Equal(t, "key", got.AccessToken)
	assert.Equal(t, int32(0), ex.calls.Load())
}

func TestStore_RefreshMergesToken(t *testing.T) {
	ex := &countingExchanger{fresh: Credential{AccessToken: "new", Expiry: testNow.Add(time.Hour)}}
	s := newTestStore(t, ex)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "crm-a", Credential{
		AccessToken:  "old",
		RefreshToken: "r1",
		Expiry:       testNow.Add(-time.Minute),
		Scopes:       []string{"contacts"},
	}))

	got, err := s.Refresh(ctx, "crm-a")
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken, "provider omitted refresh token, old one kept")
	assert.Equal(t, []string{"contacts"}, got.Scopes)

	stored, err := s.Get(ctx, "crm-a")
	require.NoError(t, err)
	assert.Equal(t, "new", stored.AccessToken)
}

func TestStore_RefreshFailureIsAuthFailed(t *testing.T) {
	ex := &countingExchanger{err: errors.New("invalid_grant")}
	s := newTestStore(t, ex)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "crm-a", Credential{AccessToken: "old", RefreshToken: "r1"}))

	_, err := s.Refresh(ctx, "crm-a")
	require.Error(t, err)
	assert.True(t, crmerr.IsKind(err, crmerr.KindAuthFailed))
	e, ok := crmerr.As(err)
	require.True(t, ok)
	assert.False(t, e.Retryable)

	// Stored material is untouched.
	stored, err := s.Get(ctx, "crm-a")
	require.NoError(t, err)
	assert.Equal(t, "old", stored.AccessToken)
}

func TestStore_ConcurrentRefreshExchangesOnce(t *testing.T) {
	ex := &countingExchanger{
		release: make(chan struct{}),
		fresh:   Credential{AccessToken: "rotated", RefreshToken: "r2", Expiry: testNow.Add(time.Hour)},
	}
	s := newTestStore(t, ex)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "crm-a", Credential{AccessToken: "old", RefreshToken: "r1"}))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Credential, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Refresh(ctx, "crm-a")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "rotated", results[i].AccessToken)
		assert.Equal(t, "r2", results[i].RefreshToken)
	}
}

func TestStore_AcquireRefreshesWithinSkew(t *testing.T) {
	ex := &countingExchanger{fresh: Credential{AccessToken: "new", Expiry: testNow.Add(time.Hour)}}
	s := newTestStore(t, ex)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "crm-a", Credential{
		AccessToken:  "old",
		RefreshToken: "r1",
		Expiry:       testNow.Add(2 * time.Minute),
	}))
	got, err := s.Acquire(ctx, "crm-a")
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, int32(1), ex.calls.Load())

	// Fresh token is used as-is.
	got, err = s.Acquire(ctx, "crm-a")
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestStore_AcquireExpiredWithoutRefreshToken(t *testing.T) {
	s := newTestStore(t, &countingExchanger{})
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "crm-a", Credential{AccessToken: "old", Expiry: testNow.Add(-time.Second)}))

	_, err := s.Acquire(ctx, "crm-a")
	assert.True(t, crmerr.IsKind(err, crmerr.KindAuthFailed))
}

func TestStore_RefreshUnknownService(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Refresh(context.Background(), "nope")
	assert.ErrorIs(t, err, service.ErrUnknownService)
}

func TestVaultBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v, err := NewVaultBackend(path, "correct horse")
	require.NoError(t, err)

	_, err = v.Get("crm-a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, v.Set("crm-a", []byte(`{"access_token":"a"}`)))
	require.NoError(t, v.Set("crm-b", []byte(`{"access_token":"b"}`)))

	reopened, err := NewVaultBackend(path, "correct horse")
	require.NoError(t, err)
	data, err := reopened.Get("crm-a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"a"}`, string(data))

	require.NoError(t, reopened.Delete("crm-a"))
	_, err = reopened.Get("crm-a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reopened.Get("crm-b")
	assert.NoError(t, err)
}

func TestVaultBackend_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v, err := NewVaultBackend(path, "one")
	require.NoError(t, err)
	require.NoError(t, v.Set("crm-a", []byte("x")))

	other, err := NewVaultBackend(path, "two")
	require.NoError(t, err)
	_, err = other.Get("crm-a")
	assert.Error(t, err)
}

func TestCredential_ExpiredAndString(t *testing.T) {
	c := Credential{AccessToken: "secret-token", Expiry: testNow.Add(4 * time.Minute)}
	assert.False(t, c.Expired(testNow, 0))
	assert.True(t, c.Expired(testNow, 5*time.Minute))
	assert.False(t, Credential{}.Expired(testNow, time.Hour))
	assert.NotContains(t, c.String(), "secret-token")
}
