// Package logging builds the process logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers don't need to import logrus for field maps.
type Fields = logrus.Fields

// Config controls where and how much is logged.
type Config struct {
	// Level is a logrus level name ("debug", "info", ...). Empty means info.
	Level string

	// File, when set, receives a rotated copy of every entry.
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int

	NoColors     bool
	ReportCaller bool
}

// New builds a logger writing to stderr and, if configured, a rotating file.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		l, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = l
	}
	logger.SetLevel(level)

	logger.SetFormatter(&formatter.Formatter{
		NoColors:        cfg.NoColors,
		TimestampFormat: "02 Jan 06 - 15:04:05",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
	})

	writers := []io.Writer{os.Stderr}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxAge:     orDefault(cfg.MaxAgeDays, 7),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
		})
	}

	logger.SetOutput(io.MultiWriter(writers...))
	logger.SetReportCaller(cfg.ReportCaller)

	return logger, nil
}

// Discard returns a logger that drops everything. Used by tests and as the
// fallback when a component is built without a logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}

type ctxKey struct{}

// RequestIDKey is the log field carrying the request id.
const RequestIDKey = "request_id"

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the request id stored in ctx, or "unknown".
func RequestID(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

// FromContext returns an entry tagged with the request id in ctx.
func FromContext(ctx context.Context, l logrus.FieldLogger) *logrus.Entry {
	return OrDiscard(l).WithField(RequestIDKey, RequestID(ctx))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
