package log

import (
	"context"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

func level() log.Level {
	switch os.Getenv("TEILEN_LOG_LEVEL") {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func NewHandler(name string) slog.Handler {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           level(),
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		v := ctx.Value(ctxKey{})
		if v == nil {
			return slog.Default()
		}
		return v.(*slog.Logger)
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending
// a suffix to its prefix.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewHandler(prefix))
	}

	return slog.New(NewHandler(suffix))
}
