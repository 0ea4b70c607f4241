// Package middleware disponibiliza middlewares HTTP específicos da aplicação.
package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
	"github.com/JeanGrijp/quota-limiter/internal/logger"
)

const (
	DefaultUserHeader = "X-User-ID"
	AnonymousUser     = "anonymous"

	globalExceededReason = "Global rate-limits exceeded"
	routeExceededReason  = "Service rate-limits exceeded"
)

type userKey struct{}

// UserFromContext devolve o usuário resolvido pelo middleware de rate limit.
func UserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(userKey{}).(string); ok {
		return user
	}
	return ""
}

type rateLimiterOptions struct {
	userHeader string
	logger     *zap.Logger
}

type Option func(*rateLimiterOptions)

func WithUserHeader(header string) Option {
	return func(o *rateLimiterOptions) {
		if strings.TrimSpace(header) != "" {
			o.userHeader = header
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *rateLimiterOptions) {
		if lg != nil {
			o.logger = lg
		}
	}
}

type exceededResponse struct {
	Reason     string  `json:"reason"`
	RetryAfter float64 `json:"retry_after"`
}

// NewRateLimiterMiddleware avalia cada requisição contra os limites global e
// por rota antes de repassá-la ao próximo handler.
func NewRateLimiterMiddleware(limiter ports.RateLimiter, opts ...Option) func(http.Handler) http.Handler {
	o := rateLimiterOptions{userHeader: DefaultUserHeader, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := extractUser(r, o.userHeader)
			ctx := context.WithValue(r.Context(), userKey{}, user)
			r = r.WithContext(ctx)

			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Evaluate(ctx, domain.Request{
				User:   user,
				Method: r.Method,
				Path:   r.URL.Path,
				Route:  matchRoute(r),
			})
			if err != nil {
				logger.WithContext(ctx, o.logger).Error("rate limiter failed", zap.String("user", user), zap.Error(err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if decision.Scope != "" {
				writeLimitHeaders(w, decision)
			}

			if !decision.Allowed {
				writeTooManyRequests(w, decision)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractUser(r *http.Request, header string) string {
	if user := strings.TrimSpace(r.Header.Get(header)); user != "" {
		return user
	}
	return AnonymousUser
}

// matchRoute encontra o padrão para o qual o chi vai despachar a requisição.
// Middlewares registrados com Use rodam antes do roteamento, então o padrão
// ainda não está no contexto.
func matchRoute(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.Routes == nil {
		return ""
	}

	tctx := chi.NewRouteContext()
	if !rctx.Routes.Match(tctx, r.Method, r.URL.Path) {
		return ""
	}
	return tctx.RoutePattern()
}

func writeLimitHeaders(w http.ResponseWriter, decision domain.Decision) {
	remaining := int64(decision.AppliedLimit.Hits) - decision.CurrentCount
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.AppliedLimit.Hits))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Scope", decision.ScopeKey)
}

func writeTooManyRequests(w http.ResponseWriter, decision domain.Decision) {
	reason := routeExceededReason
	if decision.Scope == domain.ScopeGlobal {
		reason = globalExceededReason
	}

	seconds := decision.RetryAfter.Seconds()
	w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(seconds)), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(exceededResponse{Reason: reason, RetryAfter: seconds})
}
