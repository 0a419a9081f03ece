// Package middleware provides HTTP middleware for PlanForge.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/logger"
)

const headerTraceID = "Trace-Id"

// TraceID is HTTP middleware that extracts Trace-Id from the request header
// or generates a new one. The ID is stored in the context and set on the
// response header so callers can correlate events across the broker hop.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerTraceID)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logger.WithTraceID(r.Context(), id)
		w.Header().Set(headerTraceID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
