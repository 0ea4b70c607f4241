// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"
	"time"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
)

// Storage guarda os contadores por (usuário, scope key). É o único dono do
// estado dos contadores.
type Storage interface {
	// Increment soma uma requisição de forma atômica e devolve a contagem resultante.
	Increment(ctx context.Context, user, key string) (int64, error)
	Count(ctx context.Context, user, key string) (int64, error)
	// ExpireAfter arma o reset único do contador, substituindo qualquer prazo
	// pendente. Armar um contador ausente não tem efeito.
	ExpireAfter(ctx context.Context, user, key string, ttl time.Duration) error
	RemainingTime(ctx context.Context, user, key string) (time.Duration, error)
	DumpUser(ctx context.Context, user string) (domain.UsageReport, error)
	DumpAll(ctx context.Context) (map[string]domain.UsageReport, error)
	Reset(ctx context.Context) error
}
