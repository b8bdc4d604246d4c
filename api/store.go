package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Store loads and replaces the whole Document. Implementations never apply
// partial writes: Save overwrites everything Load would return.
type Store interface {
	// Load returns the current document, or an empty one when nothing has
	// been persisted yet.
	Load(ctx context.Context) (*Document, error)
	// Save replaces the persisted document.
	Save(ctx context.Context, doc *Document) error
	Close() error
}

// Store drivers accepted by NewStore.
const (
	StoreDriverJSON   = "json"
	StoreDriverBolt   = "bolt"
	StoreDriverMemory = "memory"
)

// NewStore opens the store selected by config.
func NewStore(config *Config) (Store, error) {
	switch strings.ToLower(config.StoreDriver) {
	case "", StoreDriverJSON:
		return NewJSONFileStore(config.StorePath), nil
	case StoreDriverBolt:
		return NewBoltStore(config.StorePath)
	case StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", config.StoreDriver)
	}
}

// MemoryStore keeps the document in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	doc *Document
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{doc: NewDocument()}
}

func (m *MemoryStore) Load(ctx context.Context) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc.clone().normalize()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
