package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdcflow/internal/codec"
	"cdcflow/internal/record"
	"cdcflow/internal/transform"
	"cdcflow/offset"
	"cdcflow/offset/memory"
	"cdcflow/sink"
)

func insert(id int, name string) *record.ChangeRecord {
	return &record.ChangeRecord{
		Key:   record.Row{"id": id},
		Value: &record.Envelope{After: record.Row{"id": id, "name": name}, Op: record.OpCreate},
	}
}

func remove(id int) *record.ChangeRecord {
	return &record.ChangeRecord{
		Key:   record.Row{"id": id},
		Value: &record.Envelope{Before: record.Row{"id": id, "name": "gone"}, Op: record.OpDelete},
	}
}

func inserts(n int) []*record.ChangeRecord {
	out := make([]*record.ChangeRecord, n)
	for i := range out {
		out[i] = insert(i+1, "n"+strconv.Itoa(i+1))
	}
	return out
}

// captureSink records accepted messages. fail, when set, decides per push
// whether it errors.
type captureSink struct {
	mu    sync.Mutex
	msgs  []*sink.Message
	calls int
	fail  func(m *sink.Message, call int) error
}

func (c *captureSink) Configure(any) error { return nil }
func (c *captureSink) Close() error        { return nil }

func (c *captureSink) Push(_ context.Context, m *sink.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		if err := c.fail(m, c.calls); err != nil {
			return err
		}
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) messages() []*sink.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sink.Message(nil), c.msgs...)
}

func (c *captureSink) positions() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.Position)
	}
	return out
}

func decodeValue(t *testing.T, m *sink.Message) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(m.Value, &v))
	return v
}

// chanReader hands out records pushed by the test; closing ch ends the
// stream.
type chanReader struct {
	partition string
	ch        chan *record.ChangeRecord
	opened    record.Offset
	closed    atomic.Bool
}

func newChanReader(partition string) *chanReader {
	return &chanReader{partition: partition, ch: make(chan *record.ChangeRecord)}
}

func (c *chanReader) Configure(any) error  { return nil }
func (c *chanReader) Partitions() []string { return []string{c.partition} }
func (c *chanReader) Open(_ context.Context, from record.Offset) error {
	c.opened = from.Clone()
	return nil
}

func (c *chanReader) Next(ctx context.Context) (*record.ChangeRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec, ok := <-c.ch:
		if !ok {
			return nil, io.EOF
		}
		return rec, nil
	}
}

func (c *chanReader) Close() error {
	c.closed.Store(true)
	return nil
}

// send positions rec after the previous one.
func (c *chanReader) send(t *testing.T, pos int, rec *record.ChangeRecord) {
	t.Helper()
	cp := *rec
	cp.Partition, cp.Position = c.partition, strconv.Itoa(pos)
	select {
	case c.ch <- &cp:
	case <-time.After(5 * time.Second):
		t.Fatal("reader not consuming")
	}
}

type failingReader struct{ err error }

func (f failingReader) Configure(any) error                       { return nil }
func (f failingReader) Partitions() []string                      { return []string{"p1"} }
func (f failingReader) Open(context.Context, record.Offset) error { return nil }
func (f failingReader) Close() error                              { return nil }

func (f failingReader) Next(context.Context) (*record.ChangeRecord, error) {
	return nil, f.err
}

// countingStore counts flushes and fails the first failFlushes of them.
type countingStore struct {
	*memory.Store
	mu          sync.Mutex
	flushes     int
	failFlushes int
}

func (s *countingStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.flushes++
	fail := s.flushes <= s.failFlushes
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.Store.Flush(ctx)
}

func (s *countingStore) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func seededStore(t *testing.T, o record.Offset) *memory.Store {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	for p, pos := range o {
		require.NoError(t, s.Set(ctx, p, pos))
	}
	require.NoError(t, s.Flush(ctx))
	return s
}

type completion struct {
	mu      sync.Mutex
	calls   int
	success bool
	err     error
}

func (c *completion) record(success bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.success, c.err = success, err
}

func (c *completion) get() (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.success, c.err
}

// baseConfig is a flatten(rewrite)+json pipeline over the memory store that
// commits on every record.
func baseConfig(t *testing.T) Config {
	t.Helper()
	fl, err := transform.New(transform.Config{Enabled: true, DeleteHandlingMode: transform.DeleteRewrite})
	require.NoError(t, err)
	formats, err := codec.NewFormats("json", "json", "json")
	require.NoError(t, err)
	return Config{
		Name:            "test",
		Transformer:     fl,
		Formats:         formats,
		Store:           memory.New(),
		Policy:          offset.Always{},
		ShutdownTimeout: 5 * time.Second,
		Retry:           Retry{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func runToEnd(t *testing.T, cfg Config) (*Runner, *completion) {
	t.Helper()
	c := &completion{}
	cfg.OnComplete = c.record
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not finish")
	}
	return r, c
}
