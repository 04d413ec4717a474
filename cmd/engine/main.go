package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdcflow/internal/engine"
	"cdcflow/internal/logging"
	"cdcflow/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "engine config YAML (optional)")
	pipelinePath := flag.String("pipeline", "", "pipeline YAML; overrides the config file")
	healthcheck := flag.Bool("healthcheck", false, "probe a running engine and exit")
	flag.Parse()

	logging.InitFromEnv()

	cfg, err := engine.LoadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if *pipelinePath != "" {
		cfg.PipelineYml = *pipelinePath
	}

	if *healthcheck {
		os.Exit(probe(cfg.GRPCPort))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		fatal("bootstrap", err)
	}
	if err := e.Run(ctx); err != nil {
		fatal("engine", err)
	}
}

func probe(port int) int {
	c, cc, err := transport.Dial(port)
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		return 1
	}
	defer cc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := transport.Check(ctx, c)
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "healthcheck: not serving")
		return 1
	}
	return 0
}

func fatal(stage string, err error) {
	logging.L().Error(stage+" failed", "err", err)
	os.Exit(1)
}
