// Package net provides utilities for working with request contexts
package net

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"

	"fluxgate/internal/platform/logger"
)

// ctxKey is an unexported key type for context values
type ctxKey string

const keySchema ctxKey = "schema"

// WithRequest annotates context with the request id and target schema, both
// for the accessors below and for the logger so logger.C(ctx) picks the
// fields up
func WithRequest(ctx context.Context, reqID, schema string) context.Context {
	if reqID != "" {
		// set chi RequestID so chimw.GetReqID can retrieve it
		ctx = context.WithValue(ctx, chimw.RequestIDKey, reqID)
	}
	if schema != "" {
		ctx = context.WithValue(ctx, keySchema, schema)
	}
	return logger.WithRequest(ctx, reqID, schema)
}

// RequestID returns the request id on the context if present
func RequestID(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// Schema returns the target schema on the context if present
func Schema(ctx context.Context) string {
	if v, ok := ctx.Value(keySchema).(string); ok {
		return v
	}
	return ""
}
