package stdout

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcflow/sink"
)

func TestDriver_Prints(t *testing.T) {
	var buf bytes.Buffer
	d := &driver{out: &buf}
	require.NoError(t, d.Configure(Config{PrintCounter: true, PrintValue: true, ValueMaxBytes: 4}))

	ctx := context.Background()
	require.NoError(t, d.Push(ctx, &sink.Message{Key: []byte("k1"), Value: []byte("abcdefgh"), Partition: "p", Position: "1"}))
	require.NoError(t, d.Push(ctx, &sink.Message{Key: []byte("k2"), Partition: "p", Position: "2"}))

	out := buf.String()
	assert.Contains(t, out, "[sink 000001] p@1 key=k1 value=abcd…(8B)")
	assert.Contains(t, out, "[sink 000002] p@2 key=k2 value=<tombstone>")
}

func TestDriver_DelayHonoursContext(t *testing.T) {
	d := &driver{out: &bytes.Buffer{}}
	require.NoError(t, d.Configure(Config{DelayMS: 60_000}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Push(ctx, &sink.Message{}), context.Canceled)
}

func TestDriver_ConfigureRejectsWrongType(t *testing.T) {
	assert.Error(t, (&driver{}).Configure(struct{}{}))
}
