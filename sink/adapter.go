package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

//go:generate mockgen -source=adapter.go -destination=sink_mock.go -package=sink

// Message is one encoded record ready for the outbound channel. A nil
// Value is a tombstone. Partition and Position identify the source record
// and are informational only.
type Message struct {
	Key     []byte
	Value   []byte
	Headers []byte // encoded header blob, nil when there are none

	EventID   string
	Partition string
	Position  string
}

// Adapter is the common behaviour every sink exposes.
//
// Push returns only once the channel accepted the message; a nil error is
// what lets the engine advance its checkpoint.
type Adapter interface {
	Configure(any) error // driver-specific YAML ⇒ struct
	Push(ctx context.Context, msg *Message) error
	Close() error // idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var (
	regMu sync.RWMutex
	reg   = map[string]factory{}
)

func Register(name string, f factory) {
	regMu.Lock()
	reg[name] = f
	regMu.Unlock()
}

func NewAdapter(name string) (Adapter, error) {
	regMu.RLock()
	f, ok := reg[name]
	regMu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q (have %v)", name, Names())
}

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
