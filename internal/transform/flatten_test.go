package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcflow/internal/record"
)

func insertRec() *record.ChangeRecord {
	return &record.ChangeRecord{
		Key: record.Row{"id": 1},
		Value: &record.Envelope{
			After:  record.Row{"id": 1, "name": "a"},
			Op:     record.OpCreate,
			Source: record.Row{"db": "inventory", "table": "users", "ts_ms": int64(99)},
			TsMs:   100,
		},
		Partition: "p1",
		Position:  "1",
	}
}

func deleteRec() *record.ChangeRecord {
	return &record.ChangeRecord{
		Key: record.Row{"id": 1},
		Value: &record.Envelope{
			Before: record.Row{"id": 1, "name": "a"},
			Op:     record.OpDelete,
			Source: record.Row{"db": "inventory", "table": "users"},
		},
		Partition: "p1",
		Position:  "2",
	}
}

func tombstoneRec() *record.ChangeRecord {
	return &record.ChangeRecord{Key: record.Row{"id": 1}, Partition: "p1", Position: "2"}
}

func mustNew(t *testing.T, cfg Config) *Flatten {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func TestFlatten_InsertBecomesAfterState(t *testing.T) {
	for _, mode := range []DeleteMode{DeleteDrop, DeleteRewrite, DeleteNone} {
		f := mustNew(t, Config{Enabled: true, DeleteHandlingMode: mode})
		out, ok := f.Apply(insertRec())
		require.True(t, ok)
		assert.Equal(t, record.Row{"id": 1, "name": "a"}, out.Value, "mode %s", mode)
		assert.Equal(t, record.Row{"id": 1}, out.Key)
	}
}

func TestFlatten_UpdateAndSnapshotUseAfter(t *testing.T) {
	f := mustNew(t, Config{Enabled: true, DeleteHandlingMode: DeleteRewrite})
	for _, op := range []record.Operation{record.OpUpdate, record.OpRead} {
		rec := &record.ChangeRecord{Value: &record.Envelope{
			Before: record.Row{"id": 1, "name": "old"},
			After:  record.Row{"id": 1, "name": "new"},
			Op:     op,
		}}
		out, ok := f.Apply(rec)
		require.True(t, ok)
		assert.Equal(t, record.Row{"id": 1, "name": "new"}, out.Value)
	}
}

func TestFlatten_DeleteModes(t *testing.T) {
	tests := []struct {
		name string
		mode DeleteMode
		keep bool
		want record.Row
	}{
		{name: "drop", mode: DeleteDrop, keep: false},
		{name: "rewrite", mode: DeleteRewrite, keep: true, want: record.Row{"id": 1, "name": "a", "deleted": true}},
		{name: "none", mode: DeleteNone, keep: true, want: record.Row{
			"before": map[string]any{"id": 1, "name": "a"},
			"after":  nil,
			"op":     "d",
			"source": map[string]any{"db": "inventory", "table": "users"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustNew(t, Config{Enabled: true, DeleteHandlingMode: tt.mode})
			out, ok := f.Apply(deleteRec())
			require.Equal(t, tt.keep, ok)
			if tt.keep {
				assert.Equal(t, tt.want, out.Value)
			}
		})
	}
}

func TestFlatten_RewriteDoesNotMutateInput(t *testing.T) {
	rec := deleteRec()
	f := mustNew(t, Config{Enabled: true, DeleteHandlingMode: DeleteRewrite, DeletedField: "__deleted"})
	out, ok := f.Apply(rec)
	require.True(t, ok)
	assert.Equal(t, true, out.Value["__deleted"])
	assert.NotContains(t, rec.Value.Before, "__deleted")
}

func TestFlatten_Tombstones(t *testing.T) {
	f := mustNew(t, Config{Enabled: true, DropTombstones: true})
	_, ok := f.Apply(tombstoneRec())
	assert.False(t, ok)

	f = mustNew(t, Config{Enabled: true, DropTombstones: false, AddFields: "op", AddHeaders: "op"})
	out, ok := f.Apply(tombstoneRec())
	require.True(t, ok)
	assert.Nil(t, out.Value)
	assert.Empty(t, out.Headers)
}

func TestFlatten_DisabledIsIdentity(t *testing.T) {
	f := mustNew(t, Config{Enabled: false})

	rec := deleteRec()
	rec.Headers = []record.Header{{Key: "h", Value: []byte("v")}}
	out, ok := f.Apply(rec)
	require.True(t, ok)
	assert.Equal(t, rec.Value.Row(), out.Value)
	assert.Equal(t, rec.Headers, out.Headers)

	out, ok = f.Apply(tombstoneRec())
	require.True(t, ok)
	assert.Nil(t, out.Value)
}

func TestFlatten_AddFieldsAndHeaders(t *testing.T) {
	f := mustNew(t, Config{
		Enabled:    true,
		AddFields:  "op, table,source.ts_ms,missing",
		AddHeaders: "db,ts_ms",
	})
	rec := insertRec()
	rec.Headers = []record.Header{{Key: "trace", Value: []byte("abc")}}

	out, ok := f.Apply(rec)
	require.True(t, ok)
	assert.Equal(t, record.Row{
		"id": 1, "name": "a",
		"__op":           "c",
		"__table":        "users",
		"__source_ts_ms": int64(99),
	}, out.Value)
	assert.Equal(t, []record.Header{
		{Key: "trace", Value: []byte("abc")},
		{Key: "__db", Value: []byte("inventory")},
		{Key: "__ts_ms", Value: []byte("100")},
	}, out.Headers)
	assert.Len(t, rec.Headers, 1, "input headers untouched")
}

func TestNew_RejectsConflictingSettings(t *testing.T) {
	bad := []Config{
		{Enabled: true, DeleteHandlingMode: "explode"},
		{Enabled: false, AddFields: "op"},
		{Enabled: false, DropTombstones: true},
	}
	for _, cfg := range bad {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, "%+v", cfg)
	}

	f, err := New(Config{Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, DeleteDrop, f.cfg.DeleteHandlingMode)
	assert.Equal(t, "deleted", f.cfg.DeletedField)
}
