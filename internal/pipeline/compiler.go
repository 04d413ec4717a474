package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cdcflow/internal/codec"
	"cdcflow/internal/config"
	"cdcflow/internal/spec"
	"cdcflow/internal/telemetry"
	"cdcflow/internal/transform"
	"cdcflow/offset"
	"cdcflow/sink"
	"cdcflow/source"

	// Drivers register themselves by name.
	_ "cdcflow/offset/file"
	_ "cdcflow/offset/kafka"
	_ "cdcflow/offset/memory"
	_ "cdcflow/offset/natskv"
	_ "cdcflow/sink/kafka"
	_ "cdcflow/sink/nats"
	_ "cdcflow/sink/stdout"
	_ "cdcflow/source/kafka"
	_ "cdcflow/source/mysql"
	_ "cdcflow/source/replay"
)

// Options tune a compiled runner beyond what the YAML describes.
type Options struct {
	Registerer prometheus.Registerer // nil = default registerer
	OnComplete func(success bool, err error)
}

// Pipeline is a compiled runner plus the resources it does not own.
type Pipeline struct {
	*Runner
	sink  sink.Adapter
	store offset.Store
}

// Close stops the runner and releases the sink and the offset store.
// A runner that never started leaves the reader open, so it is closed here.
func (p *Pipeline) Close() error {
	neverStarted := p.State() == Created
	err := p.Runner.Stop()
	if neverStarted {
		err = errors.Join(err, p.cfg.Reader.Close())
	}
	return errors.Join(err, p.sink.Close(), p.store.Close())
}

// Compile builds a pipeline from a YAML file. Every configuration error
// surfaces here, before anything is started.
func Compile(path string, opts Options) (*Pipeline, error) {
	f, srcPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	return Build(f, srcPath, opts)
}

// Build wires an already parsed pipeline. Components opened before a
// failure are closed again.
func Build(f spec.File, srcPath string, opts Options) (p *Pipeline, err error) {
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	fl, err := transform.New(flattenConfig(f.Transforms.Flatten))
	if err != nil {
		return nil, err
	}
	formats, err := codec.NewFormats(f.Formats.Key, f.Formats.Value, f.Formats.Header)
	if err != nil {
		return nil, err
	}
	policy, err := offset.ParsePolicy(f.Offsets.Commit.Policy, time.Duration(f.Offsets.Commit.IntervalMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	store, err := openStore(f)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)

	snk, err := openSink(f)
	if err != nil {
		return nil, err
	}
	closers = append(closers, snk.Close)

	reader, err := source.Open(f.Source.Kind, srcPath)
	if err != nil {
		return nil, err
	}
	closers = append(closers, reader.Close)

	name := f.Name
	if name == "" {
		name = f.Source.Kind
	}
	metrics, err := telemetry.NewMetrics(opts.Registerer, name)
	if err != nil {
		return nil, err
	}

	r, err := NewRunner(Config{
		Name:              name,
		Reader:            reader,
		Transformer:       fl,
		Formats:           formats,
		Sink:              snk,
		Store:             store,
		Policy:            policy,
		ShutdownTimeout:   time.Duration(f.Engine.ShutdownTimeoutMS) * time.Millisecond,
		SkipOnEncodeError: f.Engine.SkipOnEncodeError,
		Retry: Retry{
			Attempts: f.Engine.Retry.Attempts,
			Delay:    time.Duration(f.Engine.Retry.BackoffMS) * time.Millisecond,
			MaxDelay: time.Duration(f.Engine.Retry.MaxBackoffMS) * time.Millisecond,
		},
		Metrics:    metrics,
		OnComplete: opts.OnComplete,
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{Runner: r, sink: snk, store: store}, nil
}

func flattenConfig(s spec.FlattenSpec) transform.Config {
	return transform.Config{
		Enabled:            s.Enabled,
		DeleteHandlingMode: transform.DeleteMode(s.DeleteHandlingMode),
		DropTombstones:     s.DropTombstones,
		DeletedField:       s.DeletedField,
		AddFields:          s.AddFields,
		AddHeaders:         s.AddHeaders,
		Prefix:             s.Prefix,
	}
}

func openStore(f spec.File) (offset.Store, error) {
	name := f.Offsets.Store
	if name == "" {
		name = "memory"
	}
	var cfg any
	switch name {
	case "memory":
		cfg = nil
	case "file":
		cfg = f.Offsets.File
	case "kafka":
		cfg = f.Offsets.Kafka
	case "natskv":
		cfg = f.Offsets.NatsKV
	}
	s, err := offset.NewStore(name)
	if err != nil {
		return nil, err
	}
	if err := s.Configure(cfg); err != nil {
		return nil, fmt.Errorf("offset store %s: %w", name, err)
	}
	return s, nil
}

func openSink(f spec.File) (sink.Adapter, error) {
	var cfg any
	switch f.Sink {
	case "kafka":
		cfg = f.SinkConfigs.Kafka
	case "nats":
		cfg = f.SinkConfigs.Nats
	case "stdout":
		cfg = f.SinkConfigs.Stdout
	}
	s, err := sink.NewAdapter(f.Sink)
	if err != nil {
		return nil, err
	}
	if err := s.Configure(cfg); err != nil {
		return nil, fmt.Errorf("sink %s: %w", f.Sink, err)
	}
	return s, nil
}
