package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"cdcflow/internal/logging"
	"cdcflow/internal/pipeline"
	"cdcflow/internal/transport"
)

const metricsShutdownTimeout = 5 * time.Second

type Engine struct {
	transport *transport.Server
	pipeline  *pipeline.Pipeline
	metrics   *http.Server
}

// Addr is the gRPC listen address.
func (e *Engine) Addr() net.Addr { return e.transport.Addr() }

// Run serves until ctx is cancelled or the pipeline stops, then tears
// everything down. A failed pipeline is returned as the error.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.transport.Serve(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	if e.pipeline != nil {
		g.Go(func() error {
			select {
			case <-e.pipeline.Done():
			case <-gctx.Done():
				return nil
			}
			e.transport.SetServing(false)
			err := e.pipeline.Err()
			if err != nil {
				logging.L().Error("engine: pipeline failed", "err", err)
			} else {
				logging.L().Info("engine: pipeline finished")
			}
			cancel()
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		e.shutdown()
		return nil
	})
	return g.Wait()
}

func (e *Engine) shutdown() {
	if e.pipeline != nil {
		e.transport.SetServing(false)
		if err := e.pipeline.Close(); err != nil {
			logging.L().Warn("engine: pipeline close", "err", err)
		}
	}
	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = e.metrics.Shutdown(ctx)
	}
	e.transport.Stop()
}
