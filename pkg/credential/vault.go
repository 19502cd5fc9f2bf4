package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const vaultVersion = 1

// scrypt cost parameters for the vault key.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type vaultFile struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// VaultBackend keeps all secrets in one passphrase-encrypted file. It is the
// fallback for hosts without an OS keyring (headless servers, containers).
type VaultBackend struct {
	path       string
	passphrase []byte

	mu   sync.Mutex
	salt []byte
	key  []byte
}

// NewVaultBackend creates a file vault at path sealed with passphrase.
func NewVaultBackend(path, passphrase string) (*VaultBackend, error) {
	if path == "" {
		return nil, errors.New("vault path is required")
	}
	if passphrase == "" {
		return nil, errors.New("vault passphrase is required")
	}
	return &VaultBackend{path: path, passphrase: []byte(passphrase)}, nil
}

// Get implements Backend.
func (v *VaultBackend) Get(key string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	secrets, err := v.load()
	if err != nil {
		return nil, err
	}
	data, ok := secrets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Set implements Backend.
func (v *VaultBackend) Set(key string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	secrets, err := v.load()
	if err != nil {
		return err
	}
	secrets[key] = append([]byte(nil), data...)
	return v.save(secrets)
}

// Delete implements Backend.
func (v *VaultBackend) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	secrets, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[key]; !ok {
		return nil
	}
	delete(secrets, key)
	return v.save(secrets)
}

// load decrypts the vault. A missing file is an empty vault.
func (v *VaultBackend) load() (map[string][]byte, error) {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]byte), nil
		}
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}

	var file vaultFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse vault: %w", err)
	}
	if file.Version != vaultVersion {
		return nil, fmt.Errorf("unsupported vault version %d", file.Version)
	}

	aead, err := v.aead(file.Salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, file.Nonce, file.Data, []byte(v.path))
	if err != nil {
		return nil, errors.New("failed to decrypt vault: wrong passphrase or corrupted file")
	}

	secrets := make(map[string][]byte)
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("failed to decode vault contents: %w", err)
	}
	return secrets, nil
}

// save encrypts and atomically replaces the vault file.
func (v *VaultBackend) save(secrets map[string][]byte) error {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to encode vault contents: %w", err)
	}

	salt := v.salt
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	aead, err := v.aead(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out, err := json.Marshal(vaultFile{
		Version: vaultVersion,
		Salt:    salt,
		Nonce:   nonce,
		Data:    aead.Seal(nil, nonce, plain, []byte(v.path)),
	})
	if err != nil {
		return err
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		return fmt.Errorf("failed to replace vault: %w", err)
	}
	return nil
}

// aead derives the cipher for salt, caching the scrypt output.
func (v *VaultBackend) aead(salt []byte) (cipher.AEAD, error) {
	if v.key == nil || string(v.salt) != string(salt) {
		key, err := scrypt.Key(v.passphrase, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to derive vault key: %w", err)
		}
		v.key = key
		v.salt = append([]byte(nil), salt...)
	}
	return chacha20poly1305.NewX(v.key)
}
