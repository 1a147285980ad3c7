package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrKVNotConfigured se devuelve cuando el backend clave/valor no fue inicializado.
var ErrKVNotConfigured = errors.New("kv store not configured")

// KVStore es el almacenamiento clave/valor durable del cliente.
type KVStore interface {
	// Get devuelve ok=false si la clave no existe.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// Keys lista las claves que empiezan con prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryKV implementa KVStore en memoria; útil en tests y en modo efímero.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
