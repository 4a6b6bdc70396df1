package events

import "context"

type contextKey int

const (
	correlationIDKey contextKey = iota
	userIDKey
)

// ContextWithCorrelationID stamps ctx with the request's correlation id so
// factories can fall back to it when no explicit id is supplied.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom returns the ambient correlation id, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// ContextWithUserID stamps ctx with the acting user's id.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFrom returns the ambient user id, or "".
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
