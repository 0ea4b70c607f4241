// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
)

type RateLimiter interface {
	Evaluate(ctx context.Context, req domain.Request) (domain.Decision, error)
	Check(ctx context.Context, req domain.Request) (domain.Decision, error)
	Commit(ctx context.Context, req domain.Request) error
}

type Reporter interface {
	UserReport(ctx context.Context, user string) (domain.UsageReport, error)
	AllReport(ctx context.Context) (map[string]domain.UsageReport, error)
}

// RouteLimitSource resolve o limite configurado para uma rota nomeada.
type RouteLimitSource interface {
	RouteLimit(method, route string) (domain.Limit, bool)
}
