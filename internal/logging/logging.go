package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/busybox42/smtp2graph/internal/config"
)

const (
	logFileMaxSize  = 2 * 1024 * 1024
	logFileMaxFiles = 10
)

var sensitiveKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"auth_header",
}

// ParseLevel maps a config level name onto a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// sanitizeMessage normalizes a value to a single line and drops control
// characters that could be used for log injection.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			return true
		}
	}
	return false
}

// ReplaceAttr redacts sensitive attributes and flattens string values to one line
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, "***REDACTED***")
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// New builds the process logger. Console output goes to w in the configured
// format; when cfg.Dir is set, JSON lines are also written to combined.log
// and error-level records to error.log inside that directory. The returned
// closer releases the log files.
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceAttr}

	var console slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		console = slog.NewJSONHandler(w, opts)
	} else {
		console = slog.NewTextHandler(w, opts)
	}

	if cfg.Dir == "" {
		return slog.New(console), closers(nil), nil
	}

	combined, err := NewRotatingFile(filepath.Join(cfg.Dir, "combined.log"), logFileMaxSize, logFileMaxFiles)
	if err != nil {
		return nil, nil, err
	}
	errorsFile, err := NewRotatingFile(filepath.Join(cfg.Dir, "error.log"), logFileMaxSize, logFileMaxFiles)
	if err != nil {
		_ = combined.Close()
		return nil, nil, err
	}

	handler := fanout{
		console,
		slog.NewJSONHandler(combined, opts),
		slog.NewJSONHandler(errorsFile, &slog.HandlerOptions{Level: slog.LevelError, ReplaceAttr: ReplaceAttr}),
	}

	return slog.New(handler), closers{combined, errorsFile}, nil
}

// Discard returns a logger that drops everything, for tests and library defaults
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Stderr is the fallback logger used before the config has been read
func Stderr() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{ReplaceAttr: ReplaceAttr}))
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fanout sends each record to every handler that accepts its level
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
