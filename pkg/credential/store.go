// Package credential owns per-service secret material and keeps OAuth
// tokens valid for the lifetime of a session.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/internal/tracing"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

const (
	// DefaultRefreshSkew refreshes tokens this long before they expire.
	DefaultRefreshSkew = 5 * time.Minute
	// DefaultExchangeTimeout bounds one token exchange.
	DefaultExchangeTimeout = 30 * time.Second
)

// Options configures a Store.
type Options struct {
	Backend         Backend
	Services        service.Registry
	Exchanger       Exchanger
	RefreshSkew     time.Duration
	ExchangeTimeout time.Duration
	Now             func() time.Time
}

// Store is the credential lifecycle manager.
type Store struct {
	backend   Backend
	services  service.Registry
	exchanger Exchanger
	skew      time.Duration
	timeout   time.Duration
	now       func() time.Time

	refreshes singleflight.Group
}

// NewStore creates a credential store.
func NewStore(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("credential backend is required")
	}
	if opts.Services == nil {
		return nil, errors.New("service registry is required")
	}
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = DefaultRefreshSkew
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:   opts.Backend,
		services:  opts.Services,
		exchanger: opts.Exchanger,
		skew:      opts.RefreshSkew,
		timeout:   opts.ExchangeTimeout,
		now:       opts.Now,
	}, nil
}

// Get returns the stored credential as-is, or a not_configured error.
func (s *Store) Get(ctx context.Context, key string) (Credential, error) {
	data, err := s.backend.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credential{}, crmerr.NotConfigured(key)
		}
		return Credential{}, fmt.Errorf("failed to read credential for %s: %w", key, err)
	}
	cred, err := decode(data)
	if err != nil {
		return Credential{}, err
	}
	if cred.Empty() {
		return Credential{}, crmerr.NotConfigured(key)
	}
	return cred, nil
}

// Configured reports whether key has stored material.
func (s *Store) Configured(ctx context.Context, key string) bool {
	_, err := s.Get(ctx, key)
	return err == nil
}

// Acquire returns a credential that is safe to use right now. OAuth tokens
// inside the refresh skew are refreshed first; an expired token that cannot
// be refreshed is an auth_failed error, never returned stale.
func (s *Store) Acquire(ctx context.Context, key string) (Credential, error) {
	cred, err := s.Get(ctx, key)
	if err != nil {
		return Credential{}, err
	}
	kind, err := s.authKind(ctx, key)
	if err != nil {
		return Credential{}, err
	}
	if !kind.Refreshable() || !cred.Expired(s.now(), s.skew) {
		return cred, nil
	}
	if !cred.CanRefresh() {
		if cred.Expired(s.now(), 0) {
			return Credential{}, crmerr.New(crmerr.KindAuthFailed, key, "access token expired and no refresh token is stored; re-authenticate %s", key)
		}
		return cred, nil
	}
	return s.Refresh(ctx, key)
}

// Refresh exchanges the refresh token of an OAuth2 service. Concurrent calls
// for the same key share one exchange. Non-OAuth services refresh as a no-op.
func (s *Store) Refresh(ctx context.Context, key string) (Credential, error) {
	kind, err := s.authKind(ctx, key)
	if err != nil {
		return Credential{}, err
	}
	if !kind.Refreshable() {
		return s.Get(ctx, key)
	}

	// The exchange outlives any single caller so a canceled waiter does not
	// abort a rotation the others depend on.
	ch := s.refreshes.DoChan(key, func() (interface{}, error) {
		return s.refresh(tracing.Detach(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential).Clone(), nil
	case <-ctx.Done():
		return Credential{}, crmerr.Wrap(crmerr.KindOf(ctx.Err()), key, ctx.Err())
	}
}

func (s *Store) refresh(ctx context.Context, key string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "credential", "credential.refresh",
		attribute.String("service", key),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	cred, err := s.Get(ctx, key)
	if err != nil {
		return Credential{}, err
	}
	if !cred.CanRefresh() {
		err = crmerr.New(crmerr.KindAuthFailed, key, "no refresh token stored; re-authenticate %s", key)
		return Credential{}, err
	}
	if s.exchanger == nil {
		err = crmerr.New(crmerr.KindAuthFailed, key, "no token exchanger configured")
		return Credential{}, err
	}

	fresh, exErr := s.exchanger.Exchange(ctx, key, cred)
	if exErr != nil {
		observability.RecordTokenRefresh(key, false)
		observability.RecordCredentialAudit(ctx, "refresh", key, "failure")
		log.Warn().Err(exErr).Str("service", key).Msg("Token refresh failed")
		err = &crmerr.Error{
			Kind:    crmerr.KindAuthFailed,
			Service: key,
			Message: "token refresh failed; re-authenticate " + key,
			Err:     exErr,
		}
		return Credential{}, err
	}

	merged := cred.Merge(fresh)
	if err = s.Put(ctx, key, merged); err != nil {
		return Credential{}, err
	}

	observability.RecordTokenRefresh(key, true)
	observability.RecordCredentialAudit(ctx, "refresh", key, "success")
	log.Info().
		Str("service", key).
		Time("expiry", merged.Expiry).
		Msg("Token refreshed")
	return merged, nil
}

// Put stores cred for key, replacing any previous value in one write.
func (s *Store) Put(ctx context.Context, key string, cred Credential) error {
	if err := service.ValidateKey(key); err != nil {
		return err
	}
	if cred.Empty() {
		return fmt.Errorf("refusing to store empty credential for %s", key)
	}
	data, err := encode(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := s.backend.Set(key, data); err != nil {
		return fmt.Errorf("failed to store credential for %s: %w", key, err)
	}
	observability.RecordCredentialAudit(ctx, "put", key, "success")
	return nil
}

// Revoke clears the material for key. The service reverts to not configured.
func (s *Store) Revoke(ctx context.Context, key string) error {
	if err := s.backend.Delete(key); err != nil {
		return fmt.Errorf("failed to revoke credential for %s: %w", key, err)
	}
	observability.RecordCredentialAudit(ctx, "revoke", key, "success")
	log.Info().Str("service", key).Msg("Credential revoked")
	return nil
}

// Status summarizes a credential without exposing secrets.
type Status struct {
	Service     string
	Configured  bool
	Refreshable bool
	Expiry      time.Time
	Expired     bool
}

// Status reports the credential state for key.
func (s *Store) Status(ctx context.Context, key string) Status {
	st := Status{Service: key}
	cred, err := s.Get(ctx, key)
	if err != nil {
		return st
	}
	st.Configured = true
	st.Refreshable = cred.CanRefresh()
	st.Expiry = cred.Expiry
	st.Expired = cred.Expired(s.now(), 0)
	return st
}

func (s *Store) authKind(ctx context.Context, key string) (service.AuthKind, error) {
	d, err := s.services.GetService(ctx, key)
	if err != nil {
		return "", err
	}
	return d.AuthKind, nil
}
