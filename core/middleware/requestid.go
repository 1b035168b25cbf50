package middleware

import (
	"github.com/google/uuid"

	"github.com/searchktools/exot/core/http"
)

const (
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the ctx.Store entry holding the id.
	RequestIDKey = "requestId"
)

// RequestID reuses the client's X-Request-ID or assigns a UUID, echoes it
// in the response and stores it under RequestIDKey.
func RequestID() func(*http.Context) (any, error) {
	return func(ctx *http.Context) (any, error) {
		id := ctx.Header(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx.Store[RequestIDKey] = id
		ctx.SetHeader(RequestIDHeader, id)
		return nil, nil
	}
}
