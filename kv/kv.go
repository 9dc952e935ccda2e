// Package kv defines the key-value persistence contract the engine runs on
// and an in-memory implementation of it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Get when the id is not present in the store.
var ErrNotFound = errors.New("kv: not found")

// Entry is one stored value.
type Entry struct {
	ID    string
	Value []byte
}

// Store is a set of named key-value stores.
// Implementations: Memory (tests, ephemeral installs), sqlite.Store (durable).
type Store interface {
	// Put inserts or replaces the value for id in the named store.
	Put(ctx context.Context, store, id string, value []byte) error

	// Get returns the value for id, or ErrNotFound.
	Get(ctx context.Context, store, id string) ([]byte, error)

	// GetAll returns every entry of the named store ordered by id.
	GetAll(ctx context.Context, store string) ([]Entry, error)

	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, store, id string) error

	// Clear removes every entry of the named store.
	Clear(ctx context.Context, store string) error
}

// PutJSON marshals v and stores it under id.
func PutJSON(ctx context.Context, s Store, store, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", store, id, err)
	}
	return s.Put(ctx, store, id, data)
}

// GetJSON loads id and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, store, id string, v any) error {
	data, err := s.Get(ctx, store, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", store, id, err)
	}
	return nil
}

// GetAllJSON loads and decodes every entry of the named store.
func GetAllJSON[T any](ctx context.Context, s Store, store string) ([]T, error) {
	entries, err := s.GetAll(ctx, store)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", store, e.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	stores map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{stores: make(map[string]map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, store, id string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[store]
	if !ok {
		s = make(map[string][]byte)
		m.stores[store] = s
	}
	s[id] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Get(ctx context.Context, store, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.stores[store][id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) GetAll(ctx context.Context, store string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stores[store]
	out := make([]Entry, 0, len(s))
	for id, v := range s {
		out = append(out, Entry{ID: id, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, store, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores[store], id)
	return nil
}

func (m *Memory) Clear(ctx context.Context, store string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, store)
	return nil
}
