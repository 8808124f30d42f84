// Package memory provides the long-term key/value memory shared by the
// cognition graph. One namespace belongs to one GM; values are opaque JSON
// blobs written at shutdown and recalled at (re)start.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Store is the long-term memory interface: total, idempotent overwrite on
// Store; Recall reports ok=false for an absent key.
type Store interface {
	Store(ctx context.Context, namespace, key string, value []byte) error
	Recall(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Close() error
}

// Open selects a backend from the DSN: "redis://..." for Redis, anything
// else is a SQLite DSN.
func Open(dsn string, logger zerolog.Logger) (Store, error) {
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		return NewRedisStore(dsn, logger)
	}
	return NewSQLiteStore(dsn, logger)
}

// InMemory is a map-backed Store for tests and ephemeral agents.
type InMemory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string][]byte)}
}

func memKey(namespace, key string) string { return namespace + "\x00" + key }

// Store implements Store.
func (m *InMemory) Store(_ context.Context, namespace, key string, value []byte) error {
	if namespace == "" || key == "" {
		return fmt.Errorf("memory: namespace and key required")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[memKey(namespace, key)] = cp
	m.mu.Unlock()
	return nil
}

// Recall implements Store.
func (m *InMemory) Recall(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	v, ok := m.data[memKey(namespace, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Close implements Store.
func (m *InMemory) Close() error { return nil }
