// Package logger wires the process-wide slog loggers: an application logger
// and an audit logger that records chain submissions and state transitions.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls the audit stream.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

var (
	appLogger   atomic.Pointer[slog.Logger]
	auditLogger atomic.Pointer[slog.Logger]

	closersMu sync.Mutex
	closers   []io.Closer
)

// Init replaces the global loggers. Previously opened files are closed.
func Init(cfg Config) error {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var opened []io.Closer
	writer, err := openOutputs(cfg.OutputPaths, &opened)
	if err != nil {
		closeAll(opened)
		return err
	}
	app := slog.New(newHandler(cfg.Format, writer, opts))

	audit := app.With(slog.String("stream", "audit"))
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			closeAll(opened)
			return errors.New("audit log path cannot be empty when enabled")
		}
		rw, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups)
		if err != nil {
			closeAll(opened)
			return err
		}
		opened = append(opened, rw)
		audit = slog.New(slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	closersMu.Lock()
	previous := closers
	closers = opened
	closersMu.Unlock()

	appLogger.Store(app)
	auditLogger.Store(audit)
	closeAll(previous)
	return nil
}

// Use installs an externally built logger, mostly for tests.
func Use(l *slog.Logger) {
	if l == nil {
		return
	}
	appLogger.Store(l)
	auditLogger.Store(l)
}

// Discard silences all output.
func Discard() {
	Use(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func openOutputs(paths []string, opened *[]io.Closer) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			*opened = append(*opened, f)
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the application logger, falling back to a JSON stdout logger.
func L() *slog.Logger {
	if l := appLogger.Load(); l != nil {
		return l
	}
	l := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	appLogger.CompareAndSwap(nil, l)
	return appLogger.Load()
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	if l := auditLogger.Load(); l != nil {
		return l
	}
	return L()
}

// Named returns a child logger tagged with the component name.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync closes any files opened by Init.
func Sync() error {
	closersMu.Lock()
	cs := closers
	closers = nil
	closersMu.Unlock()
	return closeAll(cs)
}
