// Package record holds the data model shared by readers, transforms, codecs
// and sinks: change records, their before/after envelope, and offsets.
package record

import (
	"github.com/google/uuid"
)

// Row is a single logical row keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of r. Nested values are shared.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Operation is the kind of mutation a change describes.
type Operation string

const (
	OpCreate Operation = "c"
	OpUpdate Operation = "u"
	OpDelete Operation = "d"
	OpRead   Operation = "r" // snapshot read
)

// Envelope carries the before/after state of a row together with the
// source block describing where the change was observed.
type Envelope struct {
	Before Row       `json:"before"`
	After  Row       `json:"after"`
	Op     Operation `json:"op"`
	Source Row       `json:"source,omitempty"`
	TsMs   int64     `json:"ts_ms,omitempty"`
}

// Row renders the envelope in its before/after shape.
func (e *Envelope) Row() Row {
	if e == nil {
		return nil
	}
	out := Row{
		"before": nilIfEmpty(e.Before),
		"after":  nilIfEmpty(e.After),
		"op":     string(e.Op),
	}
	if e.Source != nil {
		out["source"] = map[string]any(e.Source.Clone())
	}
	if e.TsMs != 0 {
		out["ts_ms"] = e.TsMs
	}
	return out
}

func nilIfEmpty(r Row) any {
	if r == nil {
		return nil
	}
	return map[string]any(r.Clone())
}

// Header is one name/value metadata pair. Headers keep their order.
type Header struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// ChangeRecord is one captured mutation as emitted by a change-stream reader.
//
// Partition and Position are the checkpoint side channel: they identify how
// far the reader has got and are never part of the published payload.
// A nil Value marks a tombstone. Records must not be mutated once handed to
// the engine.
type ChangeRecord struct {
	Key       Row
	Value     *Envelope
	Headers   []Header
	Partition string
	Position  string
}

// Tombstone reports whether r marks a key as fully removed.
func (r *ChangeRecord) Tombstone() bool { return r.Value == nil }

// IsDelete reports whether r carries a delete operation.
func (r *ChangeRecord) IsDelete() bool {
	return r.Value != nil && r.Value.Op == OpDelete
}

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cdcflow/event"))

// EventID is a stable identifier for r derived from its checkpoint
// coordinates, so a replayed record carries the same id as the original.
func (r *ChangeRecord) EventID() uuid.UUID {
	name := r.Partition + "\x00" + r.Position
	if r.Tombstone() {
		name += "\x00tombstone"
	}
	return uuid.NewSHA1(eventNamespace, []byte(name))
}

// Flattened is the logical record handed to the codecs after transformation.
// A nil Value is a tombstone.
type Flattened struct {
	Key     Row
	Value   Row
	Headers []Header
}
