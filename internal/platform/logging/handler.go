package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	colorReset = "\x1b[0m"
	colorTime  = "\x1b[90m"
	colorDebug = "\x1b[36m"
	colorInfo  = "\x1b[32m"
	colorWarn  = "\x1b[33m"
	colorError = "\x1b[31m"
)

// tagColors maps module tags to their console colour.
var tagColors = map[string]string{
	TagBoot:          "\x1b[96m",
	TagWS:            "\x1b[92m",
	TagHTTP:          "\x1b[95m",
	TagAuth:          "\x1b[94m",
	TagStorage:       "\x1b[97m",
	TagClient:        "\x1b[36m",
	TagQueue:         "\x1b[35m",
	TagObservability: "\x1b[90m",
}

// CustomTextHandler renders records as coloured single-line console output.
type CustomTextHandler struct {
	writer  io.Writer
	level   slog.Level
	colored bool
	mu      sync.Mutex
}

func (h *CustomTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *CustomTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeStr := r.Time.Format("2006-01-02 15:04:05.000")

	var levelStr, levelColor string
	switch {
	case r.Level >= slog.LevelError:
		levelStr, levelColor = "ERROR", colorError
	case r.Level >= slog.LevelWarn:
		levelStr, levelColor = "WARN", colorWarn
	case r.Level >= slog.LevelInfo:
		levelStr, levelColor = "INFO", colorInfo
	default:
		levelStr, levelColor = "DEBUG", colorDebug
	}

	msg := r.Message
	moduleColor, isModuleLog := moduleColorFor(msg)

	var b strings.Builder
	h.paint(&b, colorTime, "["+timeStr+"]")
	b.WriteByte(' ')
	if isModuleLog && r.Level < slog.LevelWarn {
		h.paint(&b, moduleColor, msg)
	} else {
		h.paint(&b, levelColor, "["+levelStr+"]")
		b.WriteByte(' ')
		b.WriteString(msg)
	}

	if r.NumAttrs() > 0 {
		b.WriteString(" {")
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
			return true
		})
		b.WriteString(" }")
	}
	b.WriteByte('\n')

	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *CustomTextHandler) paint(b *strings.Builder, color, text string) {
	if !h.colored {
		b.WriteString(text)
		return
	}
	b.WriteString(color)
	b.WriteString(text)
	b.WriteString(colorReset)
}

func (h *CustomTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *CustomTextHandler) WithGroup(name string) slog.Handler {
	return h
}

func moduleColorFor(msg string) (string, bool) {
	if !strings.HasPrefix(msg, "[") {
		return "", false
	}
	end := strings.IndexByte(msg, ']')
	if end < 0 {
		return "", false
	}
	color, ok := tagColors[msg[1:end]]
	return color, ok
}
