// Package credstore persists authentication credentials per server
// identity, with a legacy single-slot fallback kept for configs written
// by older releases.
package credstore

import (
	"io/ioutil"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Store keys credentials by a server-identity string such as
// "direct:10.0.0.5:3000" or "webrtc:PGSVXKGZJCFA6MOH4UPBH5Q9HY".
type Store interface {
	// Get returns the credential stored for the given server identity.
	Get(key string) (string, bool)
	// Set stores a credential and writes it through to the legacy slot.
	Set(key, secret string) error
	// Delete removes the credential for one server identity. The legacy
	// slot is left untouched; older releases keep working off it.
	Delete(key string) error
	// Legacy returns the global single-slot credential.
	Legacy() (string, bool)
}

type fileFormat struct {
	Credentials map[string]string `yaml:"credentials"`
	Legacy      string            `yaml:"legacy_credential,omitempty"`
}

// FileStore is a Store backed by a single YAML file. The whole file is
// rewritten on every mutation; credential sets are tiny.
type FileStore struct {
	mu     sync.Mutex
	path   string
	creds  map[string]string
	legacy string
}

// NewFileStore opens the store at path, loading it if it exists. A
// missing file is an empty store, not an error.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		creds: make(map[string]string),
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "failed to read credential store")
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse credential store")
	}
	if f.Credentials != nil {
		s.creds = f.Credentials
	}
	s.legacy = f.Legacy
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.creds[key]
	return secret, ok
}

func (s *FileStore) Set(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = secret
	s.legacy = secret
	return s.save()
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[key]; !ok {
		return nil
	}
	delete(s.creds, key)
	return s.save()
}

func (s *FileStore) Legacy() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legacy, s.legacy != ""
}

func (s *FileStore) save() error {
	data, err := yaml.Marshal(&fileFormat{Credentials: s.creds, Legacy: s.legacy})
	if err != nil {
		return errors.Wrap(err, "failed to marshal credential store")
	}
	if err := ioutil.WriteFile(s.path, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write credential store")
	}
	return nil
}

// MemoryStore is an in-process Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu     sync.Mutex
	creds  map[string]string
	legacy string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.creds[key]
	return secret, ok
}

func (s *MemoryStore) Set(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = secret
	s.legacy = secret
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, key)
	return nil
}

func (s *MemoryStore) Legacy() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legacy, s.legacy != ""
}
