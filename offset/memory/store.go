// Package memory is a non-durable offset store. Positions survive for the
// lifetime of the process only.
package memory

import (
	"context"
	"sync"

	"cdcflow/offset"
)

// Config is empty; the backend has nothing to configure.
type Config struct{}

type Store struct {
	mu      sync.RWMutex
	pending map[string]string
	data    map[string]string
}

func New() *Store {
	return &Store{pending: map[string]string{}, data: map[string]string{}}
}

func (s *Store) Configure(any) error { return nil }

func (s *Store) Get(_ context.Context, partition string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.data[partition]
	if !ok {
		return "", offset.ErrNotFound
	}
	return pos, nil
}

func (s *Store) Set(_ context.Context, partition, position string) error {
	s.mu.Lock()
	s.pending[partition] = position
	s.mu.Unlock()
	return nil
}

func (s *Store) Flush(context.Context) error {
	s.mu.Lock()
	for k, v := range s.pending {
		s.data[k] = v
	}
	clear(s.pending)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }

func init() { offset.Register("memory", func() offset.Store { return New() }) }
