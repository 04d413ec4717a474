// Package offset defines where the engine keeps its checkpoint and when it
// writes it. Backends live in sub-packages and register themselves by name.
package offset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Store.Get when no position was ever committed
// for a partition.
var ErrNotFound = errors.New("offset: not found")

// Store is the durable home of committed positions.
//
// Set may buffer; only Flush guarantees durability. Implementations accept a
// single writer and any number of concurrent readers.
type Store interface {
	Configure(any) error // driver-specific config struct
	Get(ctx context.Context, partition string) (string, error)
	Set(ctx context.Context, partition, position string) error
	Flush(ctx context.Context) error
	Close() error
}

// Factory builds an unconfigured Store.
type Factory func() Store

var (
	regMu sync.RWMutex
	reg   = map[string]Factory{}
)

// Register is called from each backend's init().
func Register(name string, f Factory) {
	regMu.Lock()
	reg[name] = f
	regMu.Unlock()
}

// NewStore returns the backend registered under name.
func NewStore(name string) (Store, error) {
	regMu.RLock()
	f, ok := reg[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("offset: unknown store %q (have %v)", name, Names())
	}
	return f(), nil
}

// Names lists registered backends, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
