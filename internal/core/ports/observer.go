package ports

import "github.com/JeanGrijp/quota-limiter/internal/core/domain"

// Observer recebe os resultados do limiter para métricas.
type Observer interface {
	ObserveDecision(scope domain.Scope, allowed bool)
	ObserveBackendFailure(operation string)
}

type NopObserver struct{}

func (NopObserver) ObserveDecision(domain.Scope, bool) {}

func (NopObserver) ObserveBackendFailure(string) {}
