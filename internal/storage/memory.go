package storage

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, agentID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[agentID][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Put(_ context.Context, agentID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.data[agentID]
	if !ok {
		entries = map[string]string{}
		s.data[agentID] = entries
	}
	entries[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, agentID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[agentID], key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, agentID, prefix string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterPrefix(s.data[agentID], prefix), nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, agentID)
	return nil
}

func (s *MemoryStore) Agents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
