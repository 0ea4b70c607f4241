package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JeanGrijp/quota-limiter/internal/logger"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *statusRecorder) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Logger registra uma linha de acesso para cada requisição.
func Logger(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.Int("status", rec.status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("size", rec.size),
				zap.Duration("latency", time.Since(start)),
			}

			lg := logger.WithContext(r.Context(), log)
			if rec.status >= http.StatusInternalServerError {
				lg.Error("request failed", fields...)
				return
			}
			lg.Info("request completed", fields...)
		})
	}
}
