// Package logger sets up the process-wide slog JSON handler and carries
// per-connection ids through context.Context so log lines from one
// websocket peer can be correlated.
package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

type ctxKey struct{}

// Init installs a JSON handler tagged with the service name as the
// default slog logger and returns it.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	lg := slog.New(handler).With(
		slog.String("service", service),
	)

	slog.SetDefault(lg)
	return lg
}

// NewConnID mints a short id naming one websocket connection in logs.
func NewConnID() string {
	return uuid.NewString()[:8]
}

// WithConnID stores a connection id for downstream log lines.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ConnID extracts the connection id from ctx, "" when unset.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
