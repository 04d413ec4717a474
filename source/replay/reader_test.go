package replay

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcflow/internal/record"
)

const fixture = `{"key":{"id":1},"value":{"before":null,"after":{"id":1,"name":"a"},"op":"c"}}

{"key":{"id":1},"value":{"before":{"id":1},"after":null,"op":"d"},"headers":{"b":"2","a":"1"}}
{"key":{"id":1},"value":null}
`

func writeFixture(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "changes.jsonl")
	require.NoError(t, os.WriteFile(p, []byte(fixture), 0o600))
	return p
}

func drain(t *testing.T, r *Reader) []*record.ChangeRecord {
	t.Helper()
	var out []*record.ChangeRecord
	for {
		rec, err := r.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestReader_File(t *testing.T) {
	r := &Reader{}
	require.NoError(t, r.Configure(Config{Path: writeFixture(t), Partition: "p1"}))
	require.NoError(t, r.Open(context.Background(), nil))
	defer r.Close()

	recs := drain(t, r)
	require.Len(t, recs, 3)

	assert.Equal(t, "1", recs[0].Position)
	assert.Equal(t, record.OpCreate, recs[0].Value.Op)
	assert.Equal(t, "a", recs[0].Value.After["name"])

	assert.Equal(t, "3", recs[1].Position, "blank lines keep numbering")
	assert.True(t, recs[1].IsDelete())
	assert.Equal(t, []record.Header{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}, recs[1].Headers)

	assert.True(t, recs[2].Tombstone())
	assert.Equal(t, "p1", recs[2].Partition)
}

func TestReader_FileResume(t *testing.T) {
	r := &Reader{}
	require.NoError(t, r.Configure(Config{Path: writeFixture(t), Partition: "p1"}))
	require.NoError(t, r.Open(context.Background(), record.Offset{"p1": "3"}))
	defer r.Close()

	recs := drain(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "4", recs[0].Position)
}

func TestReader_Memory(t *testing.T) {
	in := []*record.ChangeRecord{
		{Key: record.Row{"id": 1}},
		{Key: record.Row{"id": 2}},
		{Key: record.Row{"id": 3}},
	}
	r := New("p", in)
	require.NoError(t, r.Open(context.Background(), record.Offset{"p": "1"}))

	recs := drain(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, "2", recs[0].Position)
	assert.Equal(t, 2, recs[0].Key["id"])
	assert.Empty(t, in[0].Position, "input records are not mutated")
}

func TestReader_StoppedContext(t *testing.T) {
	r := New("p", []*record.ChangeRecord{{}})
	require.NoError(t, r.Open(context.Background(), nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReader_Configure(t *testing.T) {
	assert.Error(t, (&Reader{}).Configure(Config{}))
	assert.Error(t, (&Reader{}).Configure("nope"))

	r := &Reader{}
	require.NoError(t, r.Configure(Config{Path: "x"}))
	assert.Equal(t, []string{DefaultPartition}, r.Partitions())
}

func TestLoadConfig_Env(t *testing.T) {
	p := filepath.Join(t.TempDir(), "replay.yml")
	require.NoError(t, os.WriteFile(p, []byte("path: /tmp/a.jsonl\n"), 0o600))
	t.Setenv("CDCFLOW_REPLAY__PARTITION", "orders")

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.jsonl", cfg.Path)
	assert.Equal(t, "orders", cfg.Partition)
}

func TestLoadConfig_RelativePath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "replay.yml")
	require.NoError(t, os.WriteFile(p, []byte("path: data/events.jsonl\n"), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "events.jsonl"), cfg.Path)
	assert.Equal(t, DefaultPartition, cfg.Partition)
}
