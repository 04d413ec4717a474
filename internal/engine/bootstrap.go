package engine

import (
	"context"
	"fmt"

	"cdcflow/internal/logging"
	"cdcflow/internal/pipeline"
	"cdcflow/internal/telemetry"
	"cdcflow/internal/transport"
)

// Bootstrap brings up the health endpoint, compiles and starts the pipeline
// (if one is configured) and exposes metrics. Health flips to SERVING only
// once the runner is running.
func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	// 1. transport server
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	e := &Engine{transport: srv}

	// 2. pipeline runner
	if cfg.PipelineYml != "" {
		p, err := pipeline.Compile(cfg.PipelineYml, pipeline.Options{})
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		if err := p.Start(ctx); err != nil {
			_ = p.Close()
			srv.Stop()
			return nil, err
		}
		e.pipeline = p
	}

	// 3. metrics
	ms, err := telemetry.Expose(cfg.MetricsPort)
	if err != nil {
		e.shutdown()
		return nil, fmt.Errorf("metrics: %w", err)
	}
	e.metrics = ms

	if e.pipeline != nil {
		srv.SetServing(e.pipeline.IsRunning())
	}
	logging.L().Info("engine: started", "grpc", srv.Addr().String(), "metrics_port", cfg.MetricsPort, "pipeline", cfg.PipelineYml)
	return e, nil
}
