// Package source defines change-stream readers. Drivers register a factory
// and a config loader from init(); the pipeline compiler picks one by kind.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cdcflow/internal/record"
)

// Adapter reads an ordered stream of change records.
//
// Open positions the reader after the given offset; partitions absent from
// it start from the driver's configured origin. Next blocks until a record
// is available and returns io.EOF at the end of a finite stream or the
// context error once ctx is done.
type Adapter interface {
	Configure(any) error
	Partitions() []string
	Open(ctx context.Context, from record.Offset) error
	Next(ctx context.Context) (*record.ChangeRecord, error)
	Close() error
}

type (
	Factory func() Adapter
	// Loader reads a driver config file (may be empty) plus env overrides.
	Loader func(path string) (any, error)
)

type driver struct {
	factory Factory
	load    Loader
}

var (
	regMu    sync.RWMutex
	registry = map[string]driver{}
)

// Register is called from each driver's init().
func Register(name string, f Factory, l Loader) {
	regMu.Lock()
	registry[name] = driver{factory: f, load: l}
	regMu.Unlock()
}

func lookup(name string) (driver, error) {
	regMu.RLock()
	d, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return driver{}, fmt.Errorf("source: unsupported kind %q (have %v)", name, Kinds())
	}
	return d, nil
}

// NewAdapter returns an unconfigured reader by kind ("mysql", "kafka", ...).
func NewAdapter(kind string) (Adapter, error) {
	d, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	return d.factory(), nil
}

// Open loads the driver config at path and returns a configured reader.
func Open(kind, path string) (Adapter, error) {
	d, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	cfg, err := d.load(path)
	if err != nil {
		return nil, fmt.Errorf("source %s: load %s: %w", kind, path, err)
	}
	a := d.factory()
	if err := a.Configure(cfg); err != nil {
		return nil, fmt.Errorf("source %s: %w", kind, err)
	}
	return a, nil
}

func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
