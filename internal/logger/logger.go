// Package logger configures log/slog for the command line tool.
package logger

import (
	"context"
	"io"
	"log/slog"

	"github.com/golang-cz/devslog"
	"github.com/pkg/errors"
)

type Level string
type Provider string
type contextKeyT string

var contextKey = contextKeyT("github.com/shineum/smtp-send-lite/internal/logger")

const (
	INFO  Level = "info"
	ERROR Level = "error"
	WARN  Level = "warn"
	DEBUG Level = "debug"

	ProviderDevSlog Provider = "dev"      // coloured, human oriented
	ProviderStdJSON Provider = "std_json" // machine readable
	ProviderNoop    Provider = "noop"     // tests
)

// Config selects the handler and level.
type Config struct {
	Provider Provider
	Level    Level
}

// New builds a logger writing to w.
func New(c Config, w io.Writer) *slog.Logger {
	level := convertLevel(c.Level)
	switch c.Provider {
	case ProviderDevSlog:
		return slog.New(devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				Level: level,
			},
			NewLineAfterLog:    true,
			MaxErrorStackTrace: 20,
			SortKeys:           true,
			TimeFormat:         "[15:04:05]",
			DebugColor:         devslog.Magenta,
		}))
	case ProviderNoop:
		return NewNoop()
	case ProviderStdJSON:
		fallthrough
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

// InitDefault installs a logger built from c as the slog default.
func InitDefault(c Config, w io.Writer) {
	slog.SetDefault(New(c, w))
}

// NewNoop returns a logger that discards everything.
func NewNoop() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// FromContext returns the logger stored in ctx, or the default one.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// NewContext stores l in ctx.
func NewContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey, l)
}

// FromContextWithErr returns the context logger with err attached,
// including its stack trace when err carries one.
func FromContextWithErr(ctx context.Context, err error) *slog.Logger {
	l := FromContext(ctx)

	var stackTracer interface {
		StackTrace() errors.StackTrace
	}
	if errors.As(err, &stackTracer) {
		l = l.With("stack", stackTracer.StackTrace())
	}

	return l.With("error", err.Error())
}

func convertLevel(level Level) slog.Level {
	switch level {
	case INFO:
		return slog.LevelInfo
	case ERROR:
		return slog.LevelError
	case WARN:
		return slog.LevelWarn
	case DEBUG:
		return slog.LevelDebug
	default:
		return slog.LevelWarn
	}
}
