package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNoBlob is returned by SecureStorage.Get when nothing is stored for an account.
var ErrNoBlob = errors.New("no data stored")

// SecureStorage persists opaque blobs keyed by service and account. It
// provides no concurrency guarantees of its own.
type SecureStorage interface {
	Get(service, account string) ([]byte, error)
	Set(service, account string, data []byte) error
	Delete(service, account string) error
	ListKeys(service string) ([]string, error)
	Name() string
}

// Locker is implemented by storages that can exclude other processes
// between a load and the following save.
type Locker interface {
	Lock(ctx context.Context, service, account string) (unlock func(), err error)
}

// MemoryStorage is a SecureStorage kept in process memory.
type MemoryStorage struct {
	mu    sync.Mutex
	blobs map[string]map[string][]byte
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string]map[string][]byte)}
}

func (m *MemoryStorage) Get(service, account string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[service][account]
	if !ok {
		return nil, ErrNoBlob
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) Set(service, account string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs[service] == nil {
		m.blobs[service] = make(map[string][]byte)
	}
	m.blobs[service][account] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[service][account]; !ok {
		return ErrNoBlob
	}
	delete(m.blobs[service], account)
	return nil
}

func (m *MemoryStorage) ListKeys(service string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.blobs[service]))
	for k := range m.blobs[service] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (*MemoryStorage) Name() string { return "memory" }
