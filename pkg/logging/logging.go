// Package logging builds the slog loggers shared by the vilt executables: a
// colored console handler, optionally fanned out to a rotating JSON log file.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LevelFromEnv reads LOG_LEVEL (debug, info, warn or error, any case). Unset or
// unknown values map to info.
func LevelFromEnv() slog.Level {
	if level, ok := logLevels[strings.ToLower(os.Getenv("LOG_LEVEL"))]; ok {
		return level
	}
	return slog.LevelInfo
}

type options struct {
	level      slog.Level
	console    io.Writer
	noColor    bool
	file       string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
}

// Option configures New.
type Option func(*options)

// WithLevel sets the minimum level of both handlers.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithConsole replaces stderr as the console destination.
func WithConsole(w io.Writer, noColor bool) Option {
	return func(o *options) {
		o.console = w
		o.noColor = noColor
	}
}

// WithLogFile additionally writes JSON records to path, rotated at maxSizeMB.
func WithLogFile(path string, maxSizeMB int) Option {
	return func(o *options) {
		o.file = path
		o.maxSizeMB = maxSizeMB
	}
}

// New builds a logger. The returned closer flushes and closes the log file, if
// any, and must be called before exit.
func New(opts ...Option) (*slog.Logger, io.Closer) {
	o := options{
		level:      LevelFromEnv(),
		console:    os.Stderr,
		maxSizeMB:  100,
		maxBackups: 5,
		maxAgeDays: 30,
	}
	for _, opt := range opts {
		opt(&o)
	}

	handlers := []slog.Handler{
		tint.NewHandler(o.console, &tint.Options{
			Level:      o.level,
			TimeFormat: time.DateTime,
			NoColor:    o.noColor,
		}),
	}
	var closer io.Closer = nopCloser{}
	if o.file != "" {
		rotating := &lumberjack.Logger{
			Filename:   o.file,
			MaxSize:    o.maxSizeMB,
			MaxBackups: o.maxBackups,
			MaxAge:     o.maxAgeDays,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(rotating, &slog.HandlerOptions{
			Level: o.level,
		}))
		closer = rotating
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer
	}
	return slog.New(&fanoutHandler{handlers: handlers}), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanoutHandler sends every record to each of its handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

var _ slog.Handler = (*fanoutHandler)(nil)

func (fh *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range fh.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (fh *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range fh.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (fh *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(fh.handlers))
	for i, h := range fh.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: handlers}
}

func (fh *fanoutHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return fh
	}
	handlers := make([]slog.Handler, len(fh.handlers))
	for i, h := range fh.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: handlers}
}
