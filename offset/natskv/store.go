// Package natskv keeps committed positions in a NATS JetStream key/value
// bucket, the coordination store shared with the rest of the deployment.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"cdcflow/internal/logging"
	"cdcflow/offset"
)

type Config struct {
	URL       string `yaml:"url"`
	Bucket    string `yaml:"bucket"`
	KeyPrefix string `yaml:"key_prefix"`
	Create    bool   `yaml:"create"`
}

// bucket is the slice of nats.KeyValue the store relies on.
type bucket interface {
	get(key string) ([]byte, error)
	put(key string, value []byte) error
}

type kvBucket struct{ kv nats.KeyValue }

func (b kvBucket) get(key string) ([]byte, error) {
	e, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, offset.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Operation() != nats.KeyValuePut {
		return nil, offset.ErrNotFound
	}
	return e.Value(), nil
}

func (b kvBucket) put(key string, value []byte) error {
	_, err := b.kv.Put(key, value)
	return err
}

type Store struct {
	prefix string
	conn   *nats.Conn
	b      bucket

	mu      sync.Mutex
	pending map[string]string
}

func (s *Store) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("natskv-offsets: expected Config, got %T", raw)
	}
	if cfg.URL == "" || cfg.Bucket == "" {
		return errors.New("natskv-offsets: url and bucket are required")
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("cdcflow-offsets"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.L().Warn("natskv-offsets: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.L().Info("natskv-offsets: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("natskv-offsets: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("natskv-offsets: jetstream: %w", err)
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) && cfg.Create {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: cfg.Bucket, History: 1})
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("natskv-offsets: bucket %s: %w", cfg.Bucket, err)
	}
	s.conn = nc
	s.attach(cfg.KeyPrefix, kvBucket{kv: kv})
	return nil
}

func (s *Store) attach(prefix string, b bucket) {
	s.prefix, s.b = prefix, b
	s.pending = map[string]string{}
}

// key maps an arbitrary partition id onto the bucket's key alphabet.
func (s *Store) key(partition string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(partition))
	if s.prefix == "" {
		return enc
	}
	return s.prefix + "." + enc
}

func (s *Store) Get(_ context.Context, partition string) (string, error) {
	if s.b == nil {
		return "", errors.New("natskv-offsets: not configured")
	}
	v, err := s.b.get(s.key(partition))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *Store) Set(_ context.Context, partition, position string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return errors.New("natskv-offsets: not configured")
	}
	s.pending[partition] = position
	return nil
}

func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.b.put(s.key(k), []byte(s.pending[k])); err != nil {
			return fmt.Errorf("natskv-offsets: put %s: %w", k, err)
		}
		delete(s.pending, k)
	}
	return nil
}

func (s *Store) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

func init() { offset.Register("natskv", func() offset.Store { return &Store{} }) }
