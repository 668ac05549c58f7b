package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Module tags used as message prefixes, e.g. "[WS] connection opened".
const (
	TagBoot          = "BOOT"
	TagWS            = "WS"
	TagHTTP          = "HTTP"
	TagAuth          = "AUTH"
	TagStorage       = "STORAGE"
	TagClient        = "CLIENT"
	TagQueue         = "QUEUE"
	TagObservability = "OBSERVABILITY"
)

// LogRetentionDays is how long rotated files are kept.
const LogRetentionDays = 7

// Config captures logging configuration options. An empty Dir disables the
// JSON file output and logs to the console only.
type Config struct {
	Level    string
	Dir      string
	Filename string
	// Console overrides os.Stdout for the text handler.
	Console io.Writer
	NoColor bool
}

// Logger writes every record twice: JSON to a daily-rotated file and
// coloured text to the console.
type Logger struct {
	config      Config
	level       slog.Level
	jsonLogger  *slog.Logger
	textLogger  *slog.Logger
	logFile     *os.File
	currentDate string
	mu          sync.RWMutex
	ticker      *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

func parseLevel(configLevel string) slog.Level {
	switch strings.ToLower(configLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a Logger and starts its rotation checker when file output is on.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	logger := &Logger{
		config: cfg,
		level:  level,
		textLogger: slog.New(&CustomTextHandler{
			writer:  console,
			level:   level,
			colored: !cfg.NoColor,
		}),
		currentDate: time.Now().Format("2006-01-02"),
		stopCh:      make(chan struct{}),
	}

	if cfg.Dir == "" {
		return logger, nil
	}
	if cfg.Filename == "" {
		logger.config.Filename = "server.log"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logger.filePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.logFile = file
	logger.jsonLogger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))

	logger.startRotationChecker()
	return logger, nil
}

// Discard returns a console-less logger for tests and embedded use.
func Discard() *Logger {
	l, _ := New(Config{Level: "error", Console: io.Discard, NoColor: true})
	return l
}

func (l *Logger) filePath() string {
	return filepath.Join(l.config.Dir, l.config.Filename)
}

func (l *Logger) startRotationChecker() {
	l.ticker = time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-l.ticker.C:
				l.checkAndRotate(time.Now())
			case <-l.stopCh:
				return
			}
		}
	}()
}

func (l *Logger) checkAndRotate(now time.Time) {
	today := now.Format("2006-01-02")
	l.mu.RLock()
	current := l.currentDate
	l.mu.RUnlock()
	if today != current {
		l.rotateLogFile(today)
		l.cleanOldLogs(now)
	}
}

func (l *Logger) rotateLogFile(newDate string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		l.logFile.Close()
	}

	current := l.filePath()
	base := strings.TrimSuffix(l.config.Filename, filepath.Ext(l.config.Filename))
	ext := filepath.Ext(l.config.Filename)
	archived := filepath.Join(l.config.Dir, fmt.Sprintf("%s-%s%s", base, l.currentDate, ext))

	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, archived); err != nil {
			l.textLogger.Error("rename log file failed", slog.String("error", err.Error()))
		}
	}

	file, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.textLogger.Error("create log file failed", slog.String("error", err.Error()))
		l.logFile = nil
		l.jsonLogger = nil
		return
	}

	l.logFile = file
	l.currentDate = newDate
	l.jsonLogger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: l.level}))
	l.textLogger.Info("log file rotated", slog.String("new_date", newDate))
}

func (l *Logger) cleanOldLogs(now time.Time) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		l.textLogger.Error("read log directory failed", slog.String("error", err.Error()))
		return
	}

	cutoff := now.AddDate(0, 0, -LogRetentionDays)
	base := strings.TrimSuffix(l.config.Filename, filepath.Ext(l.config.Filename))
	ext := filepath.Ext(l.config.Filename)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, base+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, base+"-"), ext)
		fileDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.config.Dir, name)); err != nil {
				l.textLogger.Error("remove old log failed", slog.String("file", name), slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops rotation and closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		if l.ticker != nil {
			l.ticker.Stop()
		}
		close(l.stopCh)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.logFile != nil {
			err = l.logFile.Close()
			l.logFile = nil
			l.jsonLogger = nil
		}
	})
	return err
}

func (l *Logger) log(level slog.Level, msg string, fields ...any) {
	if l == nil || level < l.level {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var attrs []slog.Attr
	if len(fields) > 0 && fields[0] != nil {
		if fieldsMap, ok := fields[0].(map[string]any); ok {
			keys := make([]string, 0, len(fieldsMap))
			for k := range fieldsMap {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				attrs = append(attrs, slog.Any(k, fieldsMap[k]))
			}
		} else {
			attrs = append(attrs, slog.Any("fields", fields[0]))
		}
	}

	ctx := context.Background()
	if l.jsonLogger != nil {
		l.jsonLogger.LogAttrs(ctx, level, msg, attrs...)
	}
	l.textLogger.LogAttrs(ctx, level, msg, attrs...)
}

func containsFormatPlaceholders(s string) bool {
	return strings.Contains(s, "%")
}

func (l *Logger) logf(level slog.Level, msg string, args ...any) {
	if len(args) > 0 && containsFormatPlaceholders(msg) {
		l.log(level, fmt.Sprintf(msg, args...))
		return
	}
	l.log(level, msg, args...)
}

// FormatLog prefixes message with a single module tag:
// FormatLog("WS", "hub started") -> "[WS] hub started". Messages that already
// start with "[" are returned unchanged.
func FormatLog(tag, message string) string {
	tag = strings.TrimSpace(tag)
	message = strings.TrimSpace(message)
	if tag == "" || strings.HasPrefix(message, "[") {
		return message
	}
	return fmt.Sprintf("[%s] %s", tag, message)
}

func (l *Logger) Debug(msg string, args ...any) { l.logf(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logf(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logf(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logf(slog.LevelError, msg, args...) }

func (l *Logger) DebugTag(tag, msg string, args ...any) {
	l.logf(slog.LevelDebug, FormatLog(tag, msg), args...)
}

func (l *Logger) InfoTag(tag, msg string, args ...any) {
	l.logf(slog.LevelInfo, FormatLog(tag, msg), args...)
}

func (l *Logger) WarnTag(tag, msg string, args ...any) {
	l.logf(slog.LevelWarn, FormatLog(tag, msg), args...)
}

func (l *Logger) ErrorTag(tag, msg string, args ...any) {
	l.logf(slog.LevelError, FormatLog(tag, msg), args...)
}

// Tagged is a Logger bound to one module tag.
type Tagged struct {
	l   *Logger
	tag string
}

// WithTag returns a printf-style logger that prefixes every message with tag.
func (l *Logger) WithTag(tag string) *Tagged {
	return &Tagged{l: l, tag: tag}
}

func (t *Tagged) Debug(msg string, args ...any) { t.l.DebugTag(t.tag, msg, args...) }
func (t *Tagged) Info(msg string, args ...any)  { t.l.InfoTag(t.tag, msg, args...) }
func (t *Tagged) Warn(msg string, args ...any)  { t.l.WarnTag(t.tag, msg, args...) }
func (t *Tagged) Error(msg string, args ...any) { t.l.ErrorTag(t.tag, msg, args...) }

// Slog exposes the console slog logger for structured integrations.
func (l *Logger) Slog() *slog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.textLogger
}
