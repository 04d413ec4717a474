// Package file keeps committed positions in a YAML document on local disk.
// It survives restarts on the same host but not host migration.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"cdcflow/internal/logging"
	"cdcflow/offset"
)

type Config struct {
	Path string `yaml:"path"`
}

type Store struct {
	path string

	mu      sync.RWMutex
	data    map[string]string // flushed
	pending map[string]string
}

func (s *Store) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("file-offsets: expected Config, got %T", raw)
	}
	if cfg.Path == "" {
		return errors.New("file-offsets: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return fmt.Errorf("file-offsets: create directory: %w", err)
	}
	data, err := load(cfg.Path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.path, s.data, s.pending = cfg.Path, data, map[string]string{}
	s.mu.Unlock()
	logging.L().Info("file-offsets: loaded", "path", cfg.Path, "partitions", len(data))
	return nil
}

func load(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file-offsets: read %s: %w", path, err)
	}
	data := map[string]string{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("file-offsets: parse %s: %w", path, err)
	}
	return data, nil
}

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
	defer s.mu.Unlock()
	if s.pending == nil {
		return errors.New("file-offsets: not configured")
	}
	s.pending[partition] = position
	return nil
}

// Flush rewrites the whole document through a temp file and rename, so a
// crash mid-write leaves the previous document intact.
func (s *Store) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	next := make(map[string]string, len(s.data)+len(s.pending))
	for k, v := range s.data {
		next[k] = v
	}
	for k, v := range s.pending {
		next[k] = v
	}
	if err := writeAtomic(s.path, next); err != nil {
		return err
	}
	s.data = next
	clear(s.pending)
	return nil
}

func writeAtomic(path string, data map[string]string) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("file-offsets: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("file-offsets: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(raw); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("file-offsets: write temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("file-offsets: rename: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func init() { offset.Register("file", func() offset.Store { return &Store{} }) }
