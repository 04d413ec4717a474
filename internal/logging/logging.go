// Package logging holds the process-wide slog logger. Packages log through
// L() or With(connector) so the host can swap handlers at startup.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	envLevel = "CDCFLOW_LOG_LEVEL"
	envJSON  = "CDCFLOW_LOG_JSON"
)

// Options select the handler. The zero value is text at info on stderr.
type Options struct {
	Level  string // debug|info|warn|error
	JSON   bool
	Output io.Writer
}

var current atomic.Pointer[slog.Logger]

func init() { Configure(Options{}) }

// Configure replaces the shared logger. Loggers already derived with With
// keep the previous handler.
func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler = slog.NewTextHandler(out, ho)
	if opts.JSON {
		h = slog.NewJSONHandler(out, ho)
	}
	current.Store(slog.New(h))
}

// parseLevel accepts slog level names in any case; anything else is info.
func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func L() *slog.Logger { return current.Load() }

// With returns the shared logger annotated with a connector name.
func With(connector string) *slog.Logger {
	return L().With("connector", connector)
}

// InitFromEnv configures from CDCFLOW_LOG_LEVEL and CDCFLOW_LOG_JSON.
func InitFromEnv() {
	asJSON, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(envJSON)))
	Configure(Options{Level: os.Getenv(envLevel), JSON: asJSON})
}
