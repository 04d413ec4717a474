// Package stdout is a debug sink that prints every record.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cdcflow/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	DelayMS       int  `yaml:"delay_ms"`      // artificial per-record delay
	PrintCounter  bool `yaml:"print_counter"` // prepend seq#
	PrintValue    bool `yaml:"print_value"`
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = unlimited
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu  sync.Mutex // guards out+seq
	out io.Writer
	seq uint64
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	d.cfg = c
	if d.out == nil {
		d.out = os.Stdout
	}
	return nil
}

func (d *driver) Push(ctx context.Context, m *sink.Message) error {
	if d.cfg.DelayMS > 0 {
		t := time.NewTimer(time.Duration(d.cfg.DelayMS) * time.Millisecond)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++

	line := fmt.Sprintf("%s@%s key=%s", m.Partition, m.Position, m.Key)
	if d.cfg.PrintCounter {
		line = fmt.Sprintf("[sink %06d] %s", d.seq, line)
	}
	if d.cfg.PrintValue {
		switch {
		case m.Value == nil:
			line += " value=<tombstone>"
		case d.cfg.ValueMaxBytes > 0 && len(m.Value) > d.cfg.ValueMaxBytes:
			line += fmt.Sprintf(" value=%s…(%dB)", m.Value[:d.cfg.ValueMaxBytes], len(m.Value))
		default:
			line += fmt.Sprintf(" value=%s", m.Value)
		}
	}
	_, err := fmt.Fprintln(d.out, line)
	return err
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
