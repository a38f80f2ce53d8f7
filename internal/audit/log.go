// Package audit emits security-relevant events as structured log records.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/ids"
	"hsurvey.org/identity/internal/obs"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestID returns the identifier stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes an audit record enriched with request and caller context.
// attrs are slog key/value pairs.
func LogEvent(ctx context.Context, event string, attrs ...any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	record := []any{
		slog.String("type", "audit"),
		slog.String("event", event),
		slog.String("event_id", ids.New()),
	}
	if rid := RequestID(ctx); rid != "" {
		record = append(record, slog.String("request_id", rid))
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		if caller.Subject != "" {
			record = append(record, slog.String("subject", caller.Subject))
		}
		if caller.UserID != nil {
			record = append(record, slog.String("user_id", caller.UserID.String()))
		}
		if caller.OrganizationID != nil {
			record = append(record, slog.String("organization_id", caller.OrganizationID.String()))
		}
	}
	if len(attrs) > 0 {
		record = append(record, slog.Group("fields", attrs...))
	}
	obs.Logger().InfoContext(ctx, "audit", record...)
	return nil
}
