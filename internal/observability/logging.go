package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdcrelay/internal/correlation"
)

// EnvLogLevel names the environment variable consulted by GetLogLevel.
const EnvLogLevel = "CDC_RELAY_LOG_LEVEL"

// NewLogger returns a JSON logger on stdout tagged with component. Pass a
// *slog.LevelVar to change the level at runtime.
func NewLogger(component string, level slog.Leveler) *slog.Logger {
	return newLogger(os.Stdout, component, level)
}

func newLogger(w io.Writer, component string, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With("component", component)
}

// ContextLogger adds the correlation ID and the active span's trace_id and
// span_id carried by ctx to logger.
func ContextLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	var args []any
	if id, ok := correlation.FromContext(ctx); ok {
		args = append(args, "correlation_id", id.Value)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		args = append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(args) == 0 {
		return logger
	}
	return logger.With(args...)
}

// ParseLogLevel accepts the slog level names, offsets such as "debug+2" and
// "warning". Anything else is info.
func ParseLogLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// GetLogLevel returns the effective log level from, in order, the CLI flag,
// CDC_RELAY_LOG_LEVEL and the relay file's logLevel.
func GetLogLevel(flagLevel string, fileLevel ...string) slog.Level {
	if flagLevel != "" {
		return ParseLogLevel(flagLevel)
	}
	if envLevel := os.Getenv(EnvLogLevel); envLevel != "" {
		return ParseLogLevel(envLevel)
	}
	for _, lvl := range fileLevel {
		if lvl != "" {
			return ParseLogLevel(lvl)
		}
	}
	return slog.LevelInfo
}
