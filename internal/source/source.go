// Package source is the boundary to the authoritative relational store.
// The engine only needs primary-key fetches; graph traversal and change
// signals are wired through schema edges and the transaction coalescer.
package source

import (
	"context"
	"errors"
	"sync"

	"statesync/internal/document"
)

// ErrNotFound is returned for primary-key misses. The COLD snapshot path
// maps it on the root object to an anchor-not-found session failure.
var ErrNotFound = errors.New("source: object not found")

// Store answers primary-key lookups against the authoritative store.
type Store interface {
	Get(ctx context.Context, instanceType string, id any) (any, error)
}

// MemStore is an in-memory authoritative store. It backs the demo channel
// and the test suite; a real deployment implements Store over its
// database.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]map[string]any
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]map[string]any)}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, instanceType string, id any) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[instanceType][document.KeyString(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return obj, nil
}

// Put inserts or replaces an object.
func (s *MemStore) Put(instanceType string, id any, obj any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.objects[instanceType]
	if m == nil {
		m = make(map[string]any)
		s.objects[instanceType] = m
	}
	m[document.KeyString(id)] = obj
}

// Delete removes an object; missing keys are a no-op.
func (s *MemStore) Delete(instanceType string, id any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[instanceType], document.KeyString(id))
}

// List returns every object of a type for which keep returns true.
// A nil keep returns all of them.
func (s *MemStore) List(instanceType string, keep func(obj any) bool) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []any
	for _, obj := range s.objects[instanceType] {
		if keep == nil || keep(obj) {
			out = append(out, obj)
		}
	}
	return out
}
