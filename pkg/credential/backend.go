package credential

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned by a backend when no secret is stored under a key.
var ErrNotFound = errors.New("secret not found")

// DefaultKeyringService is the OS keyring service name secrets are filed under.
const DefaultKeyringService = "sdrbot"

// Backend stores opaque secret blobs keyed by service. Set must replace the
// whole blob in one step so a partially written credential is never visible.
type Backend interface {
	Get(key string) ([]byte, error)
	Set(key string, data []byte) error
	Delete(key string) error
}

// KeyringBackend stores secrets in the OS keyring (Keychain, Secret Service, Credential Manager).
type KeyringBackend struct {
	service string
}

// NewKeyringBackend creates a keyring backend. An empty service name uses DefaultKeyringService.
func NewKeyringBackend(service string) *KeyringBackend {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringBackend{service: service}
}

// Get implements Backend.
func (k *KeyringBackend) Get(key string) ([]byte, error) {
	secret, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring get %s: %w", key, err)
	}
	return []byte(secret), nil
}

// Set implements Backend.
func (k *KeyringBackend) Set(key string, data []byte) error {
	if err := keyring.Set(k.service, key, string(data)); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend. Deleting a missing key is not an error.
func (k *KeyringBackend) Delete(key string) error {
	if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}
