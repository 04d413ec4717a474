package telemetry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdcflow/internal/logging"
)

// Record outcomes.
const (
	Published     = "published"
	Dropped       = "dropped"
	EncodeFailed  = "encode_failed"
	PublishFailed = "publish_failed"
)

// Metrics are the runner's collectors, pre-bound to one connector.
type Metrics struct {
	records        *prometheus.CounterVec
	commits        prometheus.Counter
	commitFailures prometheus.Counter
	lastCommit     prometheus.Gauge
	state          prometheus.Gauge
}

// NewMetrics registers the collectors on reg; a nil reg uses the default
// registerer. Registering the same connector twice reuses the collectors.
func NewMetrics(reg prometheus.Registerer, connector string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcflow_records_total",
		Help: "Change records handled, by outcome.",
	}, []string{"connector", "outcome"})
	commits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcflow_commits_total",
		Help: "Offset commits flushed to the store.",
	}, []string{"connector"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcflow_commit_failures_total",
		Help: "Offset commits that failed.",
	}, []string{"connector"})
	last := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdcflow_last_commit_timestamp_seconds",
		Help: "Unix time of the last successful commit.",
	}, []string{"connector"})
	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdcflow_runner_state",
		Help: "Runner state: 0 created, 1 running, 2 stopping, 3 stopped.",
	}, []string{"connector"})

	var err error
	if records, err = register(reg, records); err != nil {
		return nil, err
	}
	if commits, err = register(reg, commits); err != nil {
		return nil, err
	}
	if failures, err = register(reg, failures); err != nil {
		return nil, err
	}
	if last, err = register(reg, last); err != nil {
		return nil, err
	}
	if state, err = register(reg, state); err != nil {
		return nil, err
	}
	return &Metrics{
		records:        records.MustCurryWith(prometheus.Labels{"connector": connector}),
		commits:        commits.WithLabelValues(connector),
		commitFailures: failures.WithLabelValues(connector),
		lastCommit:     last.WithLabelValues(connector),
		state:          state.WithLabelValues(connector),
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// The methods below accept a nil receiver so callers need not check.

func (m *Metrics) Record(outcome string) {
	if m != nil {
		m.records.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Committed(at time.Time) {
	if m != nil {
		m.commits.Inc()
		m.lastCommit.Set(float64(at.UnixNano()) / 1e9)
	}
}

func (m *Metrics) CommitFailed() {
	if m != nil {
		m.commitFailures.Inc()
	}
}

func (m *Metrics) State(s int) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

// Expose serves the default gatherer on :port/metrics until the returned
// server is shut down.
func Expose(port int) (*http.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server stopped", "err", err)
		}
	}()
	return srv, nil
}
