// Package kafka stores committed positions as records on a compacted Kafka
// topic keyed by partition id. The latest record for a key wins; a nil value
// removes the key.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"cdcflow/internal/logging"
	"cdcflow/offset"
)

type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	Version  string   `yaml:"version"`
	ClientID string   `yaml:"client_id"`

	// ReplayTimeoutMS bounds how long Configure may spend reading the topic.
	ReplayTimeoutMS int `yaml:"replay_timeout_ms"`
}

func (c *Config) validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	return errors.Join(errs...)
}

// offsetLookup is the subset of sarama.Client used to bound the replay.
type offsetLookup interface {
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

type Store struct {
	cfg      Config
	client   sarama.Client
	consumer sarama.Consumer
	producer sarama.SyncProducer
	lookup   offsetLookup

	mu      sync.RWMutex
	data    map[string]string
	pending map[string]string
}

func (s *Store) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafka-offsets: expected Config, got %T", raw)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("kafka-offsets: %w", err)
	}

	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return fmt.Errorf("kafka-offsets: %w", err)
		}
		sc.Version = ver
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafka-offsets: client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("kafka-offsets: consumer: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return fmt.Errorf("kafka-offsets: producer: %w", err)
	}
	s.client = client
	return s.attach(cfg, consumer, producer, client)
}

// attach wires already-built clients and replays the topic.
func (s *Store) attach(cfg Config, consumer sarama.Consumer, producer sarama.SyncProducer, lookup offsetLookup) error {
	s.cfg = cfg
	s.consumer, s.producer, s.lookup = consumer, producer, lookup
	s.data, s.pending = map[string]string{}, map[string]string{}

	timeout := time.Duration(cfg.ReplayTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.replay(ctx)
}

// replay reads every partition of the topic from oldest up to the newest
// offset observed at start, so Get resolves to the most recent record.
func (s *Store) replay(ctx context.Context) error {
	parts, err := s.consumer.Partitions(s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("kafka-offsets: partitions of %s: %w", s.cfg.Topic, err)
	}
	for _, p := range parts {
		oldest, err := s.lookup.GetOffset(s.cfg.Topic, p, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("kafka-offsets: oldest offset %s[%d]: %w", s.cfg.Topic, p, err)
		}
		newest, err := s.lookup.GetOffset(s.cfg.Topic, p, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("kafka-offsets: newest offset %s[%d]: %w", s.cfg.Topic, p, err)
		}
		if newest <= oldest {
			continue
		}
		if err := s.replayPartition(ctx, p, oldest, newest-oldest); err != nil {
			return err
		}
	}
	logging.L().Info("kafka-offsets: replayed", "topic", s.cfg.Topic, "partitions", len(parts), "keys", len(s.data))
	return nil
}

func (s *Store) replayPartition(ctx context.Context, p int32, from, count int64) error {
	pc, err := s.consumer.ConsumePartition(s.cfg.Topic, p, from)
	if err != nil {
		return fmt.Errorf("kafka-offsets: consume %s[%d]: %w", s.cfg.Topic, p, err)
	}
	defer pc.Close()

	for read := int64(0); read < count; {
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka-offsets: replay %s[%d] after %d/%d records: %w", s.cfg.Topic, p, read, count, ctx.Err())
		case cerr := <-pc.Errors():
			if cerr != nil {
				return fmt.Errorf("kafka-offsets: replay %s[%d]: %w", s.cfg.Topic, p, cerr)
			}
		case msg := <-pc.Messages():
			if msg == nil {
				return fmt.Errorf("kafka-offsets: replay %s[%d]: consumer closed", s.cfg.Topic, p)
			}
			s.apply(msg)
			read++
		}
	}
	return nil
}

func (s *Store) apply(msg *sarama.ConsumerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(msg.Key)
	if msg.Value == nil {
		delete(s.data, key)
		return
	}
	s.data[key] = string(msg.Value)
}

func (s *Store) Get(_ context.Context, partition string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.data[partition]
	if !ok {
		return "", offset.ErrNotFound
	}
	return pos, nil
}

func (s *Store) Set(_ context.Context, partition, position string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return errors.New("kafka-offsets: not configured")
	}
	s.pending[partition] = position
	return nil
}

// Flush produces one record per buffered partition. Entries that were
// acknowledged become visible to Get; the rest stay buffered.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		pos := s.pending[k]
		s.mu.RUnlock()

		_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
			Topic: s.cfg.Topic,
			Key:   sarama.StringEncoder(k),
			Value: sarama.StringEncoder(pos),
		})
		if err != nil {
			return fmt.Errorf("kafka-offsets: produce %s: %w", k, err)
		}

		s.mu.Lock()
		s.data[k] = pos
		if s.pending[k] == pos {
			delete(s.pending, k)
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.consumer != nil {
		errs = append(errs, s.consumer.Close())
	}
	if s.client != nil && !s.client.Closed() {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}

func init() { offset.Register("kafka", func() offset.Store { return &Store{} }) }
