package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
)

// Config agrega os limites utilizados pelo serviço de rate limiting.
type Config struct {
	// GlobalLimit é opcional; nil desabilita o escopo global.
	GlobalLimit *domain.Limit
	RouteLimits ports.RouteLimitSource
}

// RateLimiterService implementa a lógica central de rate limiting.
type RateLimiterService struct {
	storage   ports.Storage
	resolvers []Resolver
	logger    *zap.Logger
	observer  ports.Observer
}

var _ ports.RateLimiter = (*RateLimiterService)(nil)

type Option func(*RateLimiterService)

func WithLogger(logger *zap.Logger) Option {
	return func(s *RateLimiterService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithObserver(observer ports.Observer) Option {
	return func(s *RateLimiterService) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// NewRateLimiterService cria uma nova instância do serviço. O escopo global é
// avaliado antes do escopo por rota.
func NewRateLimiterService(storage ports.Storage, cfg Config, opts ...Option) (*RateLimiterService, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	global, err := NewGlobalResolver(cfg.GlobalLimit)
	if err != nil {
		return nil, err
	}

	s := &RateLimiterService{
		storage:   storage,
		resolvers: []Resolver{global, NewRouteResolver(cfg.RouteLimits)},
		logger:    zap.NewNop(),
		observer:  ports.NopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type appliedScope struct {
	scope domain.Scope
	key   string
	limit domain.Limit
}

// Evaluate conta a requisição em cada escopo aplicável e compara o valor recém
// incrementado com o limite. A primeira violação interrompe a avaliação.
func (s *RateLimiterService) Evaluate(ctx context.Context, req domain.Request) (domain.Decision, error) {
	if err := validateRequest(req); err != nil {
		return domain.Decision{}, err
	}

	decision := domain.Decision{Allowed: true}
	for _, sc := range s.applicable(req) {
		count, err := s.storage.Increment(ctx, req.User, sc.key)
		if err != nil {
			s.failOpen("increment", req.User, sc, err)
			continue
		}

		// Arma já na primeira contagem para que a negação de um escopo seguinte
		// não deixe este contador sem prazo.
		if domain.IsFirstHit(count) {
			s.arm(ctx, req.User, sc)
		}

		if sc.limit.Exceeded(count) {
			s.observer.ObserveDecision(sc.scope, false)
			return s.deny(ctx, req.User, sc, count), nil
		}

		s.observer.ObserveDecision(sc.scope, true)
		decision = tighter(decision, allow(sc, count))
	}

	return decision, nil
}

// Check é a fase de verificação para quem separa verificação e contagem:
// nega quando o contador já atingiu o limite. Não conta a requisição; a única
// escrita possível é rearmar o prazo de um contador negado que esteja sem
// prazo. Não é atômica com Commit.
func (s *RateLimiterService) Check(ctx context.Context, req domain.Request) (domain.Decision, error) {
	if err := validateRequest(req); err != nil {
		return domain.Decision{}, err
	}

	decision := domain.Decision{Allowed: true}
	for _, sc := range s.applicable(req) {
		count, err := s.storage.Count(ctx, req.User, sc.key)
		if err != nil {
			s.failOpen("count", req.User, sc, err)
			continue
		}

		if sc.limit.Exceeded(count + 1) {
			s.observer.ObserveDecision(sc.scope, false)
			return s.deny(ctx, req.User, sc, count), nil
		}

		s.observer.ObserveDecision(sc.scope, true)
		decision = tighter(decision, allow(sc, count))
	}

	return decision, nil
}

// Commit registra uma requisição já aceita em todos os escopos aplicáveis.
func (s *RateLimiterService) Commit(ctx context.Context, req domain.Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	for _, sc := range s.applicable(req) {
		count, err := s.storage.Increment(ctx, req.User, sc.key)
		if err != nil {
			s.failOpen("increment", req.User, sc, err)
			continue
		}
		if domain.IsFirstHit(count) {
			s.arm(ctx, req.User, sc)
		}
	}
	return nil
}

func (s *RateLimiterService) applicable(req domain.Request) []appliedScope {
	scopes := make([]appliedScope, 0, len(s.resolvers))
	for _, r := range s.resolvers {
		limit, ok := r.Limit(req)
		if !ok {
			continue
		}
		scopes = append(scopes, appliedScope{scope: r.Scope(), key: r.ScopeKey(req), limit: limit})
	}
	return scopes
}

func (s *RateLimiterService) arm(ctx context.Context, user string, sc appliedScope) {
	if err := s.storage.ExpireAfter(ctx, user, sc.key, sc.limit.Window); err != nil {
		s.failOpen("expire_after", user, sc, err)
	}
}

func (s *RateLimiterService) deny(ctx context.Context, user string, sc appliedScope, count int64) domain.Decision {
	retryAfter := s.remaining(ctx, user, sc)

	// Contador acima do limite sem prazo: rearma e informa o novo prazo.
	if retryAfter <= 0 && s.healOrphan(ctx, user, sc) {
		retryAfter = s.remaining(ctx, user, sc)
		if retryAfter <= 0 {
			retryAfter = sc.limit.Window
		}
	}
	if retryAfter >= sc.limit.Window {
		// O prazo nunca passa de uma janela.
		retryAfter = sc.limit.Window - 1
	}

	s.logger.Debug("rate limit exceeded",
		zap.String("user", user),
		zap.String("scope", string(sc.scope)),
		zap.String("scope_key", sc.key),
		zap.Int64("count", count),
		zap.Int("hits", sc.limit.Hits),
		zap.Duration("retry_after", retryAfter),
	)

	return domain.Decision{
		Allowed:      false,
		Scope:        sc.scope,
		ScopeKey:     sc.key,
		AppliedLimit: sc.limit,
		CurrentCount: count,
		RetryAfter:   retryAfter,
	}
}

func (s *RateLimiterService) remaining(ctx context.Context, user string, sc appliedScope) time.Duration {
	retryAfter, err := s.storage.RemainingTime(ctx, user, sc.key)
	if err != nil {
		s.failOpen("remaining_time", user, sc, err)
		return 0
	}
	return retryAfter
}

// healOrphan rearma um contador que passou do limite sem prazo armado, o que
// acontece quando o armamento falhou no backend compartilhado ou quando uma
// requisição concorrente ainda não armou o prazo. Retorna true se rearmou.
func (s *RateLimiterService) healOrphan(ctx context.Context, user string, sc appliedScope) bool {
	count, err := s.storage.Count(ctx, user, sc.key)
	if err != nil || count == 0 {
		return false
	}
	s.logger.Warn("counter has no deadline, re-arming",
		zap.String("user", user),
		zap.String("scope_key", sc.key),
		zap.Int64("count", count),
	)
	s.arm(ctx, user, sc)
	return true
}

func (s *RateLimiterService) failOpen(operation, user string, sc appliedScope, err error) {
	s.observer.ObserveBackendFailure(operation)
	s.logger.Warn("rate limit storage failed, failing open",
		zap.String("operation", operation),
		zap.String("user", user),
		zap.String("scope_key", sc.key),
		zap.Error(err),
	)
}

func allow(sc appliedScope, count int64) domain.Decision {
	return domain.Decision{
		Allowed:      true,
		Scope:        sc.scope,
		ScopeKey:     sc.key,
		AppliedLimit: sc.limit,
		CurrentCount: count,
	}
}

// tighter mantém a decisão permitida com menos requisições restantes.
func tighter(current, candidate domain.Decision) domain.Decision {
	if current.Scope == "" {
		return candidate
	}
	if hitsLeft(candidate) < hitsLeft(current) {
		return candidate
	}
	return current
}

func hitsLeft(d domain.Decision) int64 {
	return int64(d.AppliedLimit.Hits) - d.CurrentCount
}

func validateRequest(req domain.Request) error {
	if strings.TrimSpace(req.User) == "" {
		return domain.ErrUserRequired
	}
	return nil
}
