package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"cdcflow/sink"
)

const (
	HeaderBlob    = "cdc.headers"
	HeaderEventID = "cdc.event.id"
)

type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	Acks     *int16   `yaml:"required_acks"` // 0,1,-1; unset = -1
	Version  string   `yaml:"version"`
	ClientID string   `yaml:"client_id"`
}

func (c *Config) validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.Acks != nil && (*c.Acks < -1 || *c.Acks > 1) {
		errs = append(errs, fmt.Errorf("required_acks must be -1, 0 or 1, got %d", *c.Acks))
	}
	return errors.Join(errs...)
}

func (c *Config) requiredAcks() sarama.RequiredAcks {
	if c.Acks == nil {
		return sarama.WaitForAll
	}
	return sarama.RequiredAcks(*c.Acks)
}

// driver publishes synchronously so Push only returns after the broker
// acknowledged the message with the configured acks.
type driver struct {
	cfg Config
	p   sarama.SyncProducer

	once sync.Once
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: expected Config, got %T", c)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("kafka-sink: %w", err)
	}

	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return fmt.Errorf("kafka-sink: %w", err)
		}
		sc.Version = ver
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = cfg.requiredAcks()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return err
	}
	d.attach(cfg, p)
	return nil
}

func (d *driver) attach(cfg Config, p sarama.SyncProducer) {
	d.cfg, d.p = cfg, p
}

func (d *driver) Push(ctx context.Context, m *sink.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{Topic: d.cfg.Topic}
	if m.Key != nil {
		pm.Key = sarama.ByteEncoder(m.Key)
	}
	if m.Value != nil {
		pm.Value = sarama.ByteEncoder(m.Value)
	}
	if m.Headers != nil {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(HeaderBlob), Value: m.Headers})
	}
	if m.EventID != "" {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(HeaderEventID), Value: []byte(m.EventID)})
	}
	if _, _, err := d.p.SendMessage(pm); err != nil {
		return fmt.Errorf("kafka-sink: send %s@%s: %w", m.Partition, m.Position, err)
	}
	return nil
}

func (d *driver) Close() error {
	var err error
	d.once.Do(func() {
		if d.p != nil {
			err = d.p.Close()
		}
	})
	return err
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
