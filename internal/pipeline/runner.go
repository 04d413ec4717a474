// Package pipeline drives one change stream end to end: read, transform,
// encode, publish, checkpoint. A Runner owns a single worker goroutine;
// offsets only move forward after the sink accepted the record, so a crash
// at any point replays from the last commit and never skips.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"cdcflow/internal/codec"
	"cdcflow/internal/logging"
	"cdcflow/internal/record"
	"cdcflow/internal/telemetry"
	"cdcflow/internal/transform"
	"cdcflow/offset"
	"cdcflow/sink"
	"cdcflow/source"
)

var (
	ErrNotStartable    = errors.New("pipeline: runner can only be started once")
	ErrShutdownTimeout = errors.New("pipeline: shutdown timed out")
)

// State is the runner lifecycle. Transitions only move forward.
type State int32

const (
	Created State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const DefaultShutdownTimeout = 30 * time.Second

// Retry bounds the attempts made for a publish or a commit.
type Retry struct {
	Attempts int           // total attempts, default 5
	Delay    time.Duration // first backoff, default 200ms
	MaxDelay time.Duration // backoff cap, default 5s
}

type Config struct {
	Name        string
	Reader      source.Adapter
	Transformer transform.Transformer
	Formats     codec.Formats
	Sink        sink.Adapter
	Store       offset.Store
	Policy      offset.CommitPolicy

	ShutdownTimeout   time.Duration
	SkipOnEncodeError bool
	Retry             Retry

	Clock   clock.Clock
	Metrics *telemetry.Metrics

	// OnComplete runs once on the worker after it stopped. success is false
	// when the worker halted on an error.
	OnComplete func(success bool, err error)
}

func (c *Config) validate() error {
	var errs []error
	if c.Reader == nil {
		errs = append(errs, errors.New("reader is required"))
	}
	if c.Transformer == nil {
		errs = append(errs, errors.New("transformer is required"))
	}
	if c.Formats.Key == nil || c.Formats.Value == nil || c.Formats.Header == nil {
		errs = append(errs, errors.New("key, value and header formats are required"))
	}
	if c.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	if c.Store == nil {
		errs = append(errs, errors.New("offset store is required"))
	}
	if c.Policy == nil {
		errs = append(errs, errors.New("commit policy is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "pipeline"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 5
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay < c.Retry.Delay {
		c.Retry.MaxDelay = max(5*time.Second, c.Retry.Delay)
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

type Runner struct {
	cfg Config
	log *slog.Logger

	state atomic.Int32
	t     tomb.Tomb
	done  chan struct{}
	err   error // set before done is closed

	cp *checkpoint // worker only

	mu        sync.RWMutex
	committed record.Offset
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	cfg.applyDefaults()
	r := &Runner{
		cfg:       cfg,
		log:       logging.With(cfg.Name),
		done:      make(chan struct{}),
		committed: record.Offset{},
	}
	r.cfg.Metrics.State(int(Created))
	return r, nil
}

func (r *Runner) State() State { return State(r.state.Load()) }

// IsRunning is true from Start until the worker has fully stopped.
func (r *Runner) IsRunning() bool {
	s := r.State()
	return s == Running || s == Stopping
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.cfg.Metrics.State(int(s))
}

// Committed returns the last durably committed offset.
func (r *Runner) Committed() record.Offset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.committed.Clone()
}

// Done is closed once the runner reached Stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err is the reason the worker halted; nil after a clean stop or end of
// stream. Only meaningful once Done is closed.
func (r *Runner) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Start launches the worker. The context bounds the worker's lifetime in
// addition to Stop.
func (r *Runner) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(Created), int32(Running)) {
		return ErrNotStartable
	}
	r.cfg.Metrics.State(int(Running))
	r.log.Info("runner started")
	r.t.Go(func() error {
		err := r.loop(r.t.Context(ctx))
		r.finish(err)
		return err
	})
	return nil
}

// Stop asks the worker to finish the in-flight record, commit and exit,
// then waits up to ShutdownTimeout for it.
func (r *Runner) Stop() error {
	for {
		switch r.State() {
		case Created:
			if !r.state.CompareAndSwap(int32(Created), int32(Stopped)) {
				continue
			}
			r.cfg.Metrics.State(int(Stopped))
			close(r.done)
			return nil
		case Running:
			if !r.state.CompareAndSwap(int32(Running), int32(Stopping)) {
				continue
			}
			r.log.Info("runner stopping")
		}
		break
	}
	r.t.Kill(nil)

	select {
	case <-r.done:
		return nil
	case <-r.cfg.Clock.After(r.cfg.ShutdownTimeout):
		r.log.Error("runner did not stop in time", "timeout", r.cfg.ShutdownTimeout)
		return ErrShutdownTimeout
	}
}

// Close is Stop; safe to call any number of times.
func (r *Runner) Close() error { return r.Stop() }

// recover seeds the offset from the store for every reader partition.
func (r *Runner) recover(ctx context.Context) (record.Offset, error) {
	from := record.Offset{}
	for _, p := range r.cfg.Reader.Partitions() {
		pos, err := r.cfg.Store.Get(ctx, p)
		if errors.Is(err, offset.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recover offset for %s: %w", p, err)
		}
		from[p] = pos
	}
	return from, nil
}

func (r *Runner) loop(ctx context.Context) error {
	from, err := r.recover(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.committed = from.Clone()
	r.mu.Unlock()
	r.cp = newCheckpoint(from, r.cfg.Clock.Now())

	if err := r.cfg.Reader.Open(ctx, from); err != nil {
		return fmt.Errorf("open reader: %w", err)
	}
	r.log.Info("reader opened", "offset", from)

	for {
		rec, err := r.cfg.Reader.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			r.log.Info("end of stream")
			return nil
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("read: %w", err)
		}

		if err := r.process(ctx, rec); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		// a failed commit is retried after the next record
		_ = r.maybeCommit(ctx, false)
	}
}

var errStopped = errors.New("stopped during retry")

// process handles one record. A nil error means the record was either
// published or deliberately skipped.
func (r *Runner) process(ctx context.Context, rec *record.ChangeRecord) error {
	out, ok := r.cfg.Transformer.Apply(rec)
	if !ok {
		r.cp.advance(rec.Partition, rec.Position)
		r.cfg.Metrics.Record(telemetry.Dropped)
		return nil
	}

	enc, err := r.cfg.Formats.Encode(out)
	if err != nil {
		r.cfg.Metrics.Record(telemetry.EncodeFailed)
		if r.cfg.SkipOnEncodeError {
			r.log.Warn("skipping record that failed to encode",
				"partition", rec.Partition, "position", rec.Position, "err", err)
			return nil
		}
		return fmt.Errorf("%s@%s: %w", rec.Partition, rec.Position, err)
	}

	msg := &sink.Message{
		Key:       enc.Key,
		Value:     enc.Value,
		Headers:   enc.Headers,
		EventID:   rec.EventID().String(),
		Partition: rec.Partition,
		Position:  rec.Position,
	}
	if err := r.publish(ctx, msg); err != nil {
		if errors.Is(err, errStopped) {
			return err
		}
		r.cfg.Metrics.Record(telemetry.PublishFailed)
		return fmt.Errorf("publish %s@%s: %w", rec.Partition, rec.Position, err)
	}
	r.cfg.Metrics.Record(telemetry.Published)
	r.cp.advance(rec.Partition, rec.Position)
	return nil
}

// publish pushes msg with retries. The first attempt is detached from
// cancellation so an in-flight record is not torn; later attempts are
// abandoned once the runner is stopping.
func (r *Runner) publish(ctx context.Context, msg *sink.Message) error {
	attempt := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempt++
			if attempt == 1 {
				return r.cfg.Sink.Push(context.WithoutCancel(ctx), msg)
			}
			return r.cfg.Sink.Push(ctx, msg)
		},
		Attempts:    r.cfg.Retry.Attempts,
		Delay:       r.cfg.Retry.Delay,
		MaxDelay:    r.cfg.Retry.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.cfg.Clock,
		Stop:        ctx.Done(),
		NotifyFunc: func(err error, n int) {
			r.log.Warn("publish failed, retrying",
				"partition", msg.Partition, "position", msg.Position, "attempt", n, "err", err)
		},
	})
	switch {
	case err == nil:
		return nil
	case retry.IsRetryStopped(err):
		return errStopped
	default:
		return retry.LastError(err)
	}
}

// maybeCommit consults the policy and writes dirty partitions. A failed
// commit keeps the dirty set and counters for the next attempt. Retries
// end early once ctx is done, except for the forced final commit.
func (r *Runner) maybeCommit(ctx context.Context, force bool) error {
	now := r.cfg.Clock.Now()
	if !force && !r.cfg.Policy.ShouldCommit(r.cp.events, now.Sub(r.cp.lastCommit)) {
		return nil
	}
	if len(r.cp.dirty) == 0 {
		r.cp.committed(now)
		return nil
	}

	var stop <-chan struct{}
	if !force {
		stop = ctx.Done()
	}
	err := retry.Call(retry.CallArgs{
		Func:        r.commit,
		Attempts:    r.cfg.Retry.Attempts,
		Delay:       r.cfg.Retry.Delay,
		MaxDelay:    r.cfg.Retry.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.cfg.Clock,
		Stop:        stop,
		NotifyFunc: func(err error, n int) {
			r.log.Warn("offset commit failed, retrying", "attempt", n, "err", err)
		},
	})
	if err != nil {
		if !retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		r.cfg.Metrics.CommitFailed()
		r.log.Error("offset commit failed", "dirty", r.cp.pending(), "err", err)
		return err
	}

	now = r.cfg.Clock.Now()
	r.cp.committed(now)
	snapshot := r.cp.offset.Clone()
	r.mu.Lock()
	r.committed = snapshot
	r.mu.Unlock()
	r.cfg.Metrics.Committed(now)
	r.log.Debug("offsets committed", "offset", snapshot)
	return nil
}

func (r *Runner) commit() error {
	ctx := context.Background()
	for _, p := range r.cp.pending() {
		if err := r.cfg.Store.Set(ctx, p, r.cp.offset[p]); err != nil {
			return fmt.Errorf("set %s: %w", p, err)
		}
	}
	if err := r.cfg.Store.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// finish runs on the worker after the loop returned. Only the worker
// publishes the Stopping and Stopped gauge values. A final commit that
// fails is reported as the runner's error.
func (r *Runner) finish(err error) {
	r.state.CompareAndSwap(int32(Running), int32(Stopping))
	r.cfg.Metrics.State(int(Stopping))
	if r.cp != nil {
		if cerr := r.maybeCommit(context.Background(), true); cerr != nil {
			err = errors.Join(err, fmt.Errorf("final offset commit: %w", cerr))
		}
	}
	if cerr := r.cfg.Reader.Close(); cerr != nil {
		r.log.Warn("reader close failed", "err", cerr)
	}

	success := err == nil
	if success {
		r.log.Info("runner stopped", "committed", r.Committed())
	} else {
		r.log.Error("runner halted", "err", err, "committed", r.Committed())
	}
	r.err = err
	r.setState(Stopped)
	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(success, err)
	}
	close(r.done)
}
