// Package kafka reads Debezium-style JSON change topics. Every topic
// partition is its own checkpoint partition ("topic/N") whose position is
// the offset of the last message handed out.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/IBM/sarama"

	"cdcflow/internal/logging"
	"cdcflow/internal/record"
	"cdcflow/source"
)

type topicPartition struct {
	topic     string
	partition int32
}

func (tp topicPartition) String() string { return tp.topic + "/" + strconv.Itoa(int(tp.partition)) }

type SaramaDriver struct {
	cfg      Config
	initial  int64
	cl       sarama.Client
	consumer sarama.Consumer
	parts    []topicPartition

	pcs  []sarama.PartitionConsumer
	msgs chan *sarama.ConsumerMessage
	errs chan error
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (d *SaramaDriver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafka-source: expected Config, got %T", raw)
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("kafka-source: %w", err)
	}

	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return err
		}
		sc.Version = ver
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Consumer.Return.Errors = true
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}

	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return err
	}
	consumer, err := sarama.NewConsumerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return err
	}
	d.cl = cl
	if err := d.attach(cfg, consumer); err != nil {
		_ = consumer.Close()
		_ = cl.Close()
		d.cl = nil
		return err
	}
	return nil
}

// attach binds an existing consumer and resolves the partition set.
func (d *SaramaDriver) attach(cfg Config, consumer sarama.Consumer) error {
	d.cfg, d.consumer = cfg, consumer
	d.initial = sarama.OffsetOldest
	if cfg.StartFrom == "newest" {
		d.initial = sarama.OffsetNewest
	}
	d.parts = d.parts[:0]
	for _, topic := range cfg.Topics {
		ids, err := consumer.Partitions(topic)
		if err != nil {
			return fmt.Errorf("kafka-source: partitions of %s: %w", topic, err)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			d.parts = append(d.parts, topicPartition{topic, id})
		}
	}
	return nil
}

func (d *SaramaDriver) Partitions() []string {
	out := make([]string, len(d.parts))
	for i, tp := range d.parts {
		out[i] = tp.String()
	}
	return out
}

func (d *SaramaDriver) Open(_ context.Context, from record.Offset) error {
	d.msgs = make(chan *sarama.ConsumerMessage, d.cfg.Buffer)
	d.errs = make(chan error, 1)
	d.done = make(chan struct{})

	for _, tp := range d.parts {
		off := d.initial
		if pos, ok := from[tp.String()]; ok {
			n, err := strconv.ParseInt(pos, 10, 64)
			if err != nil {
				return fmt.Errorf("kafka-source: bad position %q for %s: %w", pos, tp, err)
			}
			off = n + 1
		}
		pc, err := d.consumer.ConsumePartition(tp.topic, tp.partition, off)
		if err != nil {
			return fmt.Errorf("kafka-source: consume %s at %d: %w", tp, off, err)
		}
		d.pcs = append(d.pcs, pc)
		d.wg.Add(1)
		go d.forward(pc)
		logging.L().Info("kafka-source: partition opened", "partition", tp.String(), "offset", off)
	}
	return nil
}

// forward copies one partition into the shared channel, keeping its order.
func (d *SaramaDriver) forward(pc sarama.PartitionConsumer) {
	defer d.wg.Done()
	msgs, errs := pc.Messages(), pc.Errors()
	for msgs != nil || errs != nil {
		select {
		case <-d.done:
			return
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			select {
			case d.msgs <- m:
			case <-d.done:
				return
			}
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			select {
			case d.errs <- e:
			default:
				logging.L().Warn("kafka-source: dropped consumer error", "err", e)
			}
		}
	}
}

func (d *SaramaDriver) Next(ctx context.Context) (*record.ChangeRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-d.errs:
		return nil, err
	case m := <-d.msgs:
		return toRecord(m)
	}
}

func (d *SaramaDriver) Close() error {
	var errs []error
	d.once.Do(func() {
		if d.done != nil {
			close(d.done)
		}
		for _, pc := range d.pcs {
			pc.AsyncClose()
		}
		d.wg.Wait()
		// Only a consumer built by Configure is owned here.
		if d.cl != nil {
			errs = append(errs, d.consumer.Close(), d.cl.Close())
		}
	})
	return errors.Join(errs...)
}

// toRecord decodes a Debezium JSON message. A nil value is a tombstone.
func toRecord(m *sarama.ConsumerMessage) (*record.ChangeRecord, error) {
	rec := &record.ChangeRecord{
		Partition: topicPartition{m.Topic, m.Partition}.String(),
		Position:  strconv.FormatInt(m.Offset, 10),
		Key:       decodeKey(m.Key),
	}
	for _, h := range m.Headers {
		if h == nil {
			continue
		}
		rec.Headers = append(rec.Headers, record.Header{Key: string(h.Key), Value: h.Value})
	}
	if len(m.Value) == 0 {
		return rec, nil
	}
	var raw any
	if err := json.Unmarshal(m.Value, &raw); err != nil {
		return nil, fmt.Errorf("kafka-source: %s@%s: %w", rec.Partition, rec.Position, err)
	}
	payload, _ := unwrap(raw).(map[string]any)
	if payload == nil {
		return rec, nil
	}
	env, err := toEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("kafka-source: %s@%s: %w", rec.Partition, rec.Position, err)
	}
	rec.Value = env
	return rec, nil
}

func decodeKey(b []byte) record.Row {
	if b == nil {
		return nil
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return record.Row{"key": string(b)}
	}
	switch v := unwrap(raw).(type) {
	case map[string]any:
		return record.Row(v)
	case nil:
		return nil
	default:
		return record.Row{"key": v}
	}
}

// unwrap strips the {schema, payload} wrapper of the JSON converter.
func unwrap(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if p, ok := m["payload"]; ok {
		if _, ok := m["schema"]; ok {
			return p
		}
	}
	return v
}

func toEnvelope(p map[string]any) (*record.Envelope, error) {
	op, _ := p["op"].(string)
	switch record.Operation(op) {
	case record.OpCreate, record.OpUpdate, record.OpDelete, record.OpRead:
	default:
		return nil, fmt.Errorf("not a change envelope (op %q)", op)
	}
	env := &record.Envelope{
		Op:     record.Operation(op),
		Before: asRow(p["before"]),
		After:  asRow(p["after"]),
		Source: asRow(p["source"]),
	}
	if ts, ok := p["ts_ms"].(float64); ok {
		env.TsMs = int64(ts)
	}
	return env, nil
}

func asRow(v any) record.Row {
	if m, ok := v.(map[string]any); ok {
		return record.Row(m)
	}
	return nil
}

func init() {
	source.Register("kafka",
		func() source.Adapter { return &SaramaDriver{} },
		func(path string) (any, error) { return LoadConfig(path) },
	)
}
