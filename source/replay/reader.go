// Package replay reads change records from newline-delimited JSON, one
// record per line:
//
//	{"key":{"id":1},"value":{"before":null,"after":{"id":1},"op":"c"},"headers":{"trace":"x"}}
//
// A null or missing value is a tombstone. The position of a record is its
// 1-based line number, so a resumed reader continues after that line.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"cdcflow/internal/config"
	"cdcflow/internal/logging"
	"cdcflow/internal/record"
	"cdcflow/source"
)

const DefaultPartition = "replay"

type Config struct {
	Path      string `koanf:"path"`
	Partition string `koanf:"partition"`
}

// LoadConfig merges YAML (if present) with env vars
// (prefix `CDCFLOW_REPLAY__`, delimiter `__`). A relative data path is
// resolved against the config file's directory.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := config.LoadDriver(path, "CDCFLOW_REPLAY__", &cfg); err != nil {
		return cfg, err
	}
	if cfg.Path != "" && path != "" && !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(filepath.Dir(path), cfg.Path)
	}
	if cfg.Partition == "" {
		cfg.Partition = DefaultPartition
	}
	return cfg, nil
}

type line struct {
	Key     record.Row        `json:"key"`
	Value   *record.Envelope  `json:"value"`
	Headers map[string]string `json:"headers"`
}

// Reader is a finite change stream backed by a file or a slice.
type Reader struct {
	cfg Config

	f    *os.File
	sc   *bufio.Scanner
	line int

	mem  []*record.ChangeRecord
	next int
	skip int
}

// New builds an in-memory reader. Records get partition and positions
// "1".."n" in order.
func New(partition string, records []*record.ChangeRecord) *Reader {
	mem := make([]*record.ChangeRecord, len(records))
	for i, r := range records {
		c := *r
		c.Partition = partition
		c.Position = strconv.Itoa(i + 1)
		mem[i] = &c
	}
	return &Reader{cfg: Config{Partition: partition}, mem: mem}
}

func (r *Reader) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("replay: expected Config, got %T", raw)
	}
	if cfg.Path == "" {
		return errors.New("replay: path is required")
	}
	if cfg.Partition == "" {
		cfg.Partition = DefaultPartition
	}
	r.cfg = cfg
	return nil
}

func (r *Reader) Partitions() []string { return []string{r.cfg.Partition} }

func (r *Reader) Open(_ context.Context, from record.Offset) error {
	if pos, ok := from[r.cfg.Partition]; ok {
		n, err := strconv.Atoi(pos)
		if err != nil {
			return fmt.Errorf("replay: bad position %q: %w", pos, err)
		}
		r.skip = n
	}
	if r.mem != nil {
		r.next = min(r.skip, len(r.mem))
		return nil
	}
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	r.f = f
	r.sc = bufio.NewScanner(f)
	r.sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	logging.L().Info("replay: opened", "path", r.cfg.Path, "resume_after", r.skip)
	return nil
}

func (r *Reader) Next(ctx context.Context) (*record.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.sc == nil {
		if r.next >= len(r.mem) {
			return nil, io.EOF
		}
		rec := r.mem[r.next]
		r.next++
		return rec, nil
	}
	for r.sc.Scan() {
		r.line++
		raw := r.sc.Bytes()
		if r.line <= r.skip || len(raw) == 0 {
			continue
		}
		rec, err := parseLine(raw)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", r.line, err)
		}
		rec.Partition = r.cfg.Partition
		rec.Position = strconv.Itoa(r.line)
		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f, r.sc = nil, nil
	return err
}

func parseLine(b []byte) (*record.ChangeRecord, error) {
	var l line
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	rec := &record.ChangeRecord{Key: l.Key, Value: l.Value}
	keys := make([]string, 0, len(l.Headers))
	for k := range l.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec.Headers = append(rec.Headers, record.Header{Key: k, Value: []byte(l.Headers[k])})
	}
	return rec, nil
}

func init() {
	source.Register("replay",
		func() source.Adapter { return &Reader{} },
		func(path string) (any, error) { return LoadConfig(path) },
	)
}
