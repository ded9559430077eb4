package syncclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known secret names.
const (
	SecretDeviceID         = "device_id"
	SecretDeviceSecretKey  = "device_secret_key"
	SecretDeviceSigningKey = "device_signing_key"
	SecretRootKey          = "root_key"
	SecretRootKeyVersion   = "root_key_version"
	SecretAccessToken      = "access_token"
)

// ErrSecretNotFound is returned when a secret has never been stored or was
// deleted.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore is the device-local store for long-term keys and the current
// root key. Implementations must never expose contents over the network.
type SecretStore interface {
	Get(name string) ([]byte, error)
	Set(name string, value []byte) error
	Delete(name string) error
	// Clear removes every stored secret. Used by sync reset.
	Clear() error
}

type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string][]byte)}
}

func (s *MemorySecretStore) Get(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemorySecretStore) Set(name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.secrets[name] = stored
	return nil
}

func (s *MemorySecretStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, name)
	return nil
}

func (s *MemorySecretStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets = make(map[string][]byte)
	return nil
}

// FileSecretStore keeps secrets in a single owner-only JSON file. Suitable
// for desktop installs where an OS keychain is unavailable.
type FileSecretStore struct {
	mu   sync.Mutex
	path string
}

func NewFileSecretStore(path string) *FileSecretStore {
	return &FileSecretStore{path: path}
}

func (s *FileSecretStore) Get(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := secrets[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return value, nil
}

func (s *FileSecretStore) Set(name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[name] = value
	return s.save(secrets)
}

func (s *FileSecretStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	delete(secrets, name)
	return s.save(secrets)
}

func (s *FileSecretStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear secret store: %w", err)
	}
	return nil
}

func (s *FileSecretStore) load() (map[string][]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	}

	var secrets map[string][]byte
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("secret store corrupted: %w", err)
	}
	return secrets, nil
}

func (s *FileSecretStore) save(secrets map[string][]byte) error {
	data, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to encode secret store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create secret store dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	return nil
}
