package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/JeanGrijp/quota-limiter/internal/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID injeta um identificador de correlação no contexto e nos headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), logger.RequestIDKey{}, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
