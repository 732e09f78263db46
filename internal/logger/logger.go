// Package logger provides structured logging for the ingestion pipeline
// using the standard library's slog package, with component-scoped loggers
// and optional rotating file output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
)

// Manager owns the base logger and hands out component-scoped children.
type Manager struct {
	base   *slog.Logger
	writer io.Closer

	mu    sync.Mutex
	cache map[string]*slog.Logger
}

// New creates a logger manager from the logging configuration.
func New(cfg config.LoggingConfig) (*Manager, error) {
	writer, closer, err := createWriter(cfg)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &Manager{
		base:   slog.New(handler),
		writer: closer,
		cache:  make(map[string]*slog.Logger),
	}, nil
}

// Component returns a logger tagged with the component name. Loggers are
// cached per component.
func (m *Manager) Component(name string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.cache[name]; ok {
		return l
	}
	l := m.base.With("component", name)
	m.cache[name] = l
	return l
}

// Base returns the root logger.
func (m *Manager) Base() *slog.Logger {
	return m.base
}

// Close flushes and closes the underlying writer, if any.
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createWriter(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging output is file but file_path is empty")
		}
		w := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		return w, w, nil
	default:
		return nil, nil, fmt.Errorf("unsupported logging output: %s", cfg.Output)
	}
}
