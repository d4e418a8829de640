package api

import (
	"context"

	"alertfeed/service"
)

// contextKey is a private type to prevent context key collisions across packages.
type contextKey string

const (
	// ContextKeyCaller stores the service.Caller resolved by authMiddleware
	ContextKeyCaller contextKey = "caller"

	// ContextKeyRequestID stores the unique request identifier (string)
	ContextKeyRequestID contextKey = "request_id"
)

// GetCaller extracts the caller from the context. A missing caller is
// treated as unauthorized.
func GetCaller(ctx context.Context) service.Caller {
	c, _ := ctx.Value(ContextKeyCaller).(service.Caller)
	return c
}

// GetRequestID extracts the request id from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}
