package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Config selects what the observability layer emits besides metrics.
type Config struct {
	// Enabled turns on debug span logging.
	Enabled bool
}

// ShutdownFunc detaches the span logger.
type ShutdownFunc func(context.Context) error

type spanSink struct {
	logger *slog.Logger
	cfg    Config
}

var sink atomic.Pointer[spanSink]

func currentSink() spanSink {
	if s := sink.Load(); s != nil {
		return *s
	}
	return spanSink{}
}

// Setup attaches logger as the span sink. Collectors are registered at
// package init, so metrics are served whether or not spans are logged.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	sink.Store(&spanSink{logger: logger, cfg: cfg})
	if logger != nil {
		logger.InfoContext(ctx, "[OBS] observability ready", slog.Bool("spans", cfg.Enabled))
	}
	return func(context.Context) error {
		sink.Store(nil)
		return nil
	}, nil
}
