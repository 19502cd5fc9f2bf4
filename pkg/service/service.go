package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// DefaultSyncInterval is applied when a descriptor carries no interval of its own.
const DefaultSyncInterval = 24 * time.Hour

// MinSyncInterval is the smallest interval the stores can persist.
const MinSyncInterval = time.Millisecond

var (
	// ErrUnknownService is returned when a service key has no descriptor.
	ErrUnknownService = errors.New("unknown service")
	// ErrServiceDisabled is returned when an operation needs an enabled service.
	ErrServiceDisabled = errors.New("service disabled")
)

// AuthKind identifies how a service authenticates.
type AuthKind string

const (
	AuthOAuth2           AuthKind = "oauth2"
	AuthAPIKey           AuthKind = "api_key"
	AuthConnectionString AuthKind = "connection_string"
)

// Valid reports whether the auth kind is one of the known kinds.
func (k AuthKind) Valid() bool {
	switch k {
	case AuthOAuth2, AuthAPIKey, AuthConnectionString:
		return true
	}
	return false
}

// Refreshable reports whether credentials of this kind have a refresh step.
func (k AuthKind) Refreshable() bool {
	return k == AuthOAuth2
}

// Descriptor identifies one external system and its sync state.
type Descriptor struct {
	Key          string            `json:"key"`
	AuthKind     AuthKind          `json:"auth_kind"`
	Enabled      bool              `json:"enabled"`
	LastSync     time.Time         `json:"last_sync,omitempty"`
	SyncInterval time.Duration     `json:"sync_interval"`
	SchemaHash   string            `json:"schema_hash,omitempty"`
	Objects      []string          `json:"objects,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

// Interval returns the sync interval, falling back to DefaultSyncInterval.
func (d Descriptor) Interval() time.Duration {
	if d.SyncInterval <= 0 {
		return DefaultSyncInterval
	}
	return d.SyncInterval
}

// Synced reports whether the service has completed at least one sync.
func (d Descriptor) Synced() bool {
	return !d.LastSync.IsZero()
}

// NeedsSync reports whether an enabled service has never been synced.
func (d Descriptor) NeedsSync() bool {
	return d.Enabled && !d.Synced()
}

// Fresh reports whether the last sync is still inside the sync interval at now.
func (d Descriptor) Fresh(now time.Time) bool {
	if !d.Synced() {
		return false
	}
	return now.Sub(d.LastSync) < d.Interval()
}

// Setting returns a service-specific setting or def when unset.
func (d Descriptor) Setting(key, def string) string {
	if v, ok := d.Settings[key]; ok {
		return v
	}
	return def
}

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Objects != nil {
		out.Objects = append([]string(nil), d.Objects...)
	}
	if d.Settings != nil {
		out.Settings = make(map[string]string, len(d.Settings))
		for k, v := range d.Settings {
			out.Settings[k] = v
		}
	}
	return out
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateKey checks that a service key is usable as a tool-name prefix.
// Underscores are reserved as the tool-name separator.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("service key cannot be empty")
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid service key %q: use lower-case letters, digits and '-'", key)
	}
	return nil
}

// Validate checks the descriptor's static fields.
func (d Descriptor) Validate() error {
	if err := ValidateKey(d.Key); err != nil {
		return err
	}
	if !d.AuthKind.Valid() {
		return fmt.Errorf("service %s: invalid auth kind %q", d.Key, d.AuthKind)
	}
	if d.SyncInterval < 0 {
		return fmt.Errorf("service %s: sync interval cannot be negative", d.Key)
	}
	if d.SyncInterval > 0 && d.SyncInterval < MinSyncInterval {
		return fmt.Errorf("service %s: sync interval %s is below %s", d.Key, d.SyncInterval, MinSyncInterval)
	}
	return nil
}

// Registry persists service descriptors. Descriptors are never deleted
// automatically; they change only through explicit enable, disable and
// sync operations.
type Registry interface {
	GetService(ctx context.Context, key string) (Descriptor, error)
	ListServices(ctx context.Context) ([]Descriptor, error)
	PutService(ctx context.Context, d Descriptor) error
	SetEnabled(ctx context.Context, key string, enabled bool) error
	MarkSynced(ctx context.Context, key string, at time.Time, schemaHash string, objects []string) error
}

// MemoryRegistry is an in-process Registry for ephemeral sessions and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	services map[string]Descriptor
}

// NewMemoryRegistry creates a registry seeded with the given descriptors.
func NewMemoryRegistry(descriptors ...Descriptor) *MemoryRegistry {
	r := &MemoryRegistry{services: make(map[string]Descriptor)}
	for _, d := range descriptors {
		r.services[d.Key] = d.Clone()
	}
	return r
}

// GetService implements Registry.
func (r *MemoryRegistry) GetService(_ context.Context, key string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.services[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownService, key)
	}
	return d.Clone(), nil
}

// ListServices implements Registry. Results are ordered by key.
func (r *MemoryRegistry) ListServices(_ context.Context) ([]Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PutService implements Registry.
func (r *MemoryRegistry) PutService(_ context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[d.Key] = d.Clone()
	return nil
}

// SetEnabled implements Registry.
func (r *MemoryRegistry) SetEnabled(_ context.Context, key string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.services[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, key)
	}
	d.Enabled = enabled
	r.services[key] = d
	return nil
}

// MarkSynced implements Registry.
func (r *MemoryRegistry) MarkSynced(_ context.Context, key string, at time.Time, schemaHash string, objects []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.services[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, key)
	}
	d.LastSync = at
	d.SchemaHash = schemaHash
	d.Objects = append([]string(nil), objects...)
	r.services[key] = d
	return nil
}
