package observability

import (
	"context"
	"log/slog"
	"time"
)

// Enabled reports whether span logging is on.
func Enabled() bool {
	return currentSink().cfg.Enabled
}

// StartSpan times an operation. The returned func records the duration in
// msync_operation_duration_seconds and, with spans enabled, logs one line
// at debug (warn on error).
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	start := time.Now()
	return ctx, func(err error) {
		elapsed := time.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		OperationDuration.WithLabelValues(component, operation, outcome).Observe(elapsed.Seconds())

		s := currentSink()
		if s.logger == nil || !s.cfg.Enabled {
			return
		}
		level := slog.LevelDebug
		attrs := []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
			slog.Duration("duration", elapsed),
		}
		if err != nil {
			level = slog.LevelWarn
			attrs = append(attrs, slog.Any("error", err))
		}
		s.logger.LogAttrs(ctx, level, "span", attrs...)
	}
}
