package adapter

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/schema"
)

// Credentials is the part of the credential store adapters need.
type Credentials interface {
	Acquire(ctx context.Context, key string) (credential.Credential, error)
	Refresh(ctx context.Context, key string) (credential.Credential, error)
}

// SchemaFetcher pulls metadata through registered adapters. An auth_expired
// failure gets one refresh and one retry.
type SchemaFetcher struct {
	adapters *Registry
	creds    Credentials
}

// NewSchemaFetcher creates a fetcher.
func NewSchemaFetcher(adapters *Registry, creds Credentials) *SchemaFetcher {
	return &SchemaFetcher{adapters: adapters, creds: creds}
}

// Fetch implements schema.Fetcher.
func (f *SchemaFetcher) Fetch(ctx context.Context, key string) (schema.RawMetadata, error) {
	a, err := f.adapters.Get(key)
	if err != nil {
		return schema.RawMetadata{}, err
	}
	cred, err := f.creds.Acquire(ctx, key)
	if err != nil {
		return schema.RawMetadata{}, err
	}

	raw, err := a.FetchSchema(ctx, cred)
	if !crmerr.IsKind(err, crmerr.KindAuthExpired) {
		return raw, err
	}

	log.Info().Str("service", key).Msg("Access token rejected during schema fetch, refreshing")
	cred, rerr := f.creds.Refresh(ctx, key)
	if rerr != nil {
		return schema.RawMetadata{}, rerr
	}
	raw, err = a.FetchSchema(ctx, cred)
	if crmerr.IsKind(err, crmerr.KindAuthExpired) {
		return schema.RawMetadata{}, crmerr.New(crmerr.KindAuthFailed, key, "credential rejected after refresh; re-authenticate %s", key)
	}
	return raw, err
}
