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
	Level       string
	Format      string
	OutputPaths []string
	// ForceStderr rewrites stdout outputs to stderr. Used when stdout carries
	// a wire protocol (stdio tool transport).
	ForceStderr bool
	Audit       AuditConfig
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// RedactedKeys lists attribute keys whose values never reach a log sink.
var RedactedKeys = []string{"private_key", "privatekey", "secret", "token", "password"}

const redacted = "[REDACTED]"

var (
	mu          sync.Mutex
	initialised bool
	closers     []io.Closer

	level         = new(slog.LevelVar)
	defaultLogger atomic.Pointer[slog.Logger]
	auditLogger   atomic.Pointer[slog.Logger]
)

// ErrAlreadyInitialised is returned by a second call to Init.
var ErrAlreadyInitialised = errors.New("logger already initialised")

// Init configures the global logger instances. It may be called once; L and
// Audit fall back to a stderr JSON logger before that.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if initialised {
		return ErrAlreadyInitialised
	}

	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level, AddSource: level.Level() == slog.LevelDebug, ReplaceAttr: redactAttr}

	outputs := cfg.OutputPaths
	if cfg.ForceStderr {
		outputs = rewriteStdout(outputs)
	}
	writer, opened, err := openOutputs(outputs)
	if err != nil {
		return err
	}
	app := slog.New(newHandler(cfg.Format, writer, opts))

	audit := app.With("stream", "audit")
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			closeAll(opened)
			return errors.New("audit log path cannot be empty when enabled")
		}
		rw, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			closeAll(opened)
			return err
		}
		opened = append(opened, rw)
		audit = slog.New(slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redactAttr}))
	}

	closers = opened
	defaultLogger.Store(app)
	auditLogger.Store(audit)
	initialised = true
	return nil
}

// SetLevel changes the level of the application logger at runtime.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

// New builds a standalone logger writing to w, sharing the redaction rules of
// the global logger. Mostly useful in tests.
func New(w io.Writer, format, lvl string) *slog.Logger {
	return slog.New(newHandler(format, w, &slog.HandlerOptions{Level: parseLevel(lvl), ReplaceAttr: redactAttr}))
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func rewriteStdout(outputs []string) []string {
	if len(outputs) == 0 {
		return []string{"stderr"}
	}
	rewritten := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if strings.EqualFold(out, "stdout") {
			out = "stderr"
		}
		rewritten = append(rewritten, out)
	}
	return rewritten
}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	for _, candidate := range RedactedKeys {
		if key == candidate || strings.HasSuffix(key, "_"+candidate) {
			return slog.String(attr.Key, redacted)
		}
	}
	return attr
}

// openOutputs opens every output; files are returned as closers.
func openOutputs(outputs []string) (io.Writer, []io.Closer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil, nil
	}
	var (
		writers []io.Writer
		opened  []io.Closer
	)
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("open log file %s: %w", out, err)
			}
			writers = append(writers, file)
			opened = append(opened, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], opened, nil
	}
	return io.MultiWriter(writers...), opened, nil
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

var fallback = sync.OnceValue(func() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}))
})

// L returns the structured logger instance.
func L() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return fallback()
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	if l := auditLogger.Load(); l != nil {
		return l
	}
	return L().With("stream", "audit")
}

// Sync closes file outputs opened by Init.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeAll(closers)
	closers = nil
	return err
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}
