// Package nats publishes records to a NATS subject, either fire-and-flush
// on core NATS or acknowledged through JetStream.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"cdcflow/internal/logging"
	"cdcflow/sink"
)

const (
	HeaderKey       = "Cdc-Key"
	HeaderBlob      = "Cdc-Headers"
	HeaderPartition = "Cdc-Partition"
	HeaderPosition  = "Cdc-Position"
	HeaderTombstone = "Cdc-Tombstone"
)

type Config struct {
	URL             string `yaml:"url"`
	Subject         string `yaml:"subject"`
	JetStream       bool   `yaml:"jetstream"`
	MaxReconnect    int    `yaml:"max_reconnect"`
	ReconnectWaitMS int    `yaml:"reconnect_wait_ms"`
	AckTimeoutMS    int    `yaml:"ack_timeout_ms"`
}

// publisher sends one message and returns once the server has it.
type publisher interface {
	publish(ctx context.Context, m *nats.Msg) error
}

type corePublisher struct{ nc *nats.Conn }

func (p corePublisher) publish(ctx context.Context, m *nats.Msg) error {
	if err := p.nc.PublishMsg(m); err != nil {
		return err
	}
	return p.nc.FlushWithContext(ctx)
}

type jsPublisher struct{ js nats.JetStreamContext }

func (p jsPublisher) publish(ctx context.Context, m *nats.Msg) error {
	_, err := p.js.PublishMsg(m, nats.Context(ctx))
	return err
}

type driver struct {
	cfg  Config
	conn *nats.Conn
	pub  publisher

	once sync.Once
}

func (d *driver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("nats-sink: expected Config, got %T", raw)
	}
	if cfg.URL == "" || cfg.Subject == "" {
		return errors.New("nats-sink: url and subject are required")
	}
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = 10
	}
	if cfg.ReconnectWaitMS <= 0 {
		cfg.ReconnectWaitMS = 2000
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("cdcflow-sink"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitMS)*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.L().Warn("nats-sink: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.L().Info("nats-sink: reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.L().Warn("nats-sink: connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats-sink: connect: %w", err)
	}

	var pub publisher = corePublisher{nc: nc}
	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return fmt.Errorf("nats-sink: jetstream: %w", err)
		}
		pub = jsPublisher{js: js}
	}
	d.conn = nc
	d.attach(cfg, pub)
	logging.L().Info("nats-sink: connected", "url", cfg.URL, "subject", cfg.Subject, "jetstream", cfg.JetStream)
	return nil
}

func (d *driver) attach(cfg Config, pub publisher) {
	if cfg.AckTimeoutMS <= 0 {
		cfg.AckTimeoutMS = 5000
	}
	d.cfg, d.pub = cfg, pub
}

// toMsg maps a record onto a NATS message. The event id doubles as the
// JetStream dedup id so replays inside the duplicate window are dropped.
func (d *driver) toMsg(m *sink.Message) *nats.Msg {
	msg := nats.NewMsg(d.cfg.Subject)
	msg.Data = m.Value
	if m.EventID != "" {
		msg.Header.Set(nats.MsgIdHdr, m.EventID)
	}
	if m.Key != nil {
		msg.Header.Set(HeaderKey, base64.StdEncoding.EncodeToString(m.Key))
	}
	if m.Headers != nil {
		msg.Header.Set(HeaderBlob, base64.StdEncoding.EncodeToString(m.Headers))
	}
	if m.Value == nil {
		msg.Header.Set(HeaderTombstone, "true")
	}
	msg.Header.Set(HeaderPartition, m.Partition)
	msg.Header.Set(HeaderPosition, m.Position)
	return msg
}

func (d *driver) Push(ctx context.Context, m *sink.Message) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.AckTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := d.pub.publish(ctx, d.toMsg(m)); err != nil {
		return fmt.Errorf("nats-sink: publish %s@%s: %w", m.Partition, m.Position, err)
	}
	return nil
}

func (d *driver) Close() error {
	d.once.Do(func() {
		if d.conn == nil {
			return
		}
		if err := d.conn.Drain(); err != nil {
			d.conn.Close()
		}
	})
	return nil
}

func init() { sink.Register("nats", func() sink.Adapter { return &driver{} }) }
