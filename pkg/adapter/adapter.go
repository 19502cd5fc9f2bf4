// Package adapter defines the boundary between the engine and per-service
// CRM clients. The engine depends only on these interfaces, never on a
// provider's wire format.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// Call is one resolved tool invocation.
type Call struct {
	Service       string
	Tool          string
	Object        string
	Operation     toolgen.Operation
	Args          map[string]interface{}
	CorrelationID string
}

// Result is what an adapter returns on success.
type Result struct {
	Payload interface{} `json:"payload,omitempty"`
	// Affected is the number of records written or deleted, when known.
	Affected int `json:"affected,omitempty"`
}

// Adapter talks to one external service. Implementations should classify
// failures with crmerr (auth_expired, rate_limited, schema_mismatch, ...)
// and honor ctx cancellation.
type Adapter interface {
	Invoke(ctx context.Context, call Call, cred credential.Credential) (Result, error)
	FetchSchema(ctx context.Context, cred credential.Credential) (schema.RawMetadata, error)
}

// Counter is implemented by adapters that can size a filter-based scope
// before a bulk write.
type Counter interface {
	Count(ctx context.Context, object string, where map[string]interface{}, cred credential.Credential) (int, error)
}

// Reader is implemented by adapters that can fetch one record without side
// effects. It backs the current values shown in update approvals.
type Reader interface {
	Read(ctx context.Context, object, id string, cred credential.Credential) (map[string]interface{}, error)
}

// Registry maps service keys to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a service key.
func (r *Registry) Register(key string, a Adapter) error {
	if err := service.ValidateKey(key); err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("nil adapter for %s", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key] = a
	return nil
}

// Get returns the adapter for key.
func (r *Registry) Get(key string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for %s", service.ErrUnknownService, key)
	}
	return a, nil
}

// Keys lists registered service keys in order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
