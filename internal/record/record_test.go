package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRow(t *testing.T) {
	env := &Envelope{
		After:  Row{"id": 1},
		Op:     OpCreate,
		Source: Row{"table": "users"},
		TsMs:   42,
	}
	got := env.Row()
	assert.Nil(t, got["before"])
	assert.Equal(t, map[string]any{"id": 1}, got["after"])
	assert.Equal(t, "c", got["op"])
	assert.Equal(t, map[string]any{"table": "users"}, got["source"])
	assert.Equal(t, int64(42), got["ts_ms"])

	var nilEnv *Envelope
	assert.Nil(t, nilEnv.Row())
}

func TestChangeRecord_EventIDIsStable(t *testing.T) {
	a := &ChangeRecord{Partition: "p1", Position: "5", Value: &Envelope{Op: OpDelete}}
	b := &ChangeRecord{Partition: "p1", Position: "5", Value: &Envelope{Op: OpDelete}}
	tomb := &ChangeRecord{Partition: "p1", Position: "5"}
	other := &ChangeRecord{Partition: "p1", Position: "6", Value: &Envelope{Op: OpDelete}}

	require.Equal(t, a.EventID(), b.EventID())
	assert.NotEqual(t, a.EventID(), tomb.EventID())
	assert.NotEqual(t, a.EventID(), other.EventID())
	assert.True(t, a.IsDelete())
	assert.True(t, tomb.Tombstone())
}

func TestOffsetAdvanceAndClone(t *testing.T) {
	o := Offset{}
	assert.True(t, o.Advance("p1", "1"))
	assert.False(t, o.Advance("p1", "1"))
	assert.True(t, o.Advance("p1", "2"))

	c := o.Clone()
	c.Advance("p1", "3")
	assert.Equal(t, "2", o["p1"])
	assert.Equal(t, "3", c["p1"])
}
