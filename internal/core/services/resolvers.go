package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
)

// Resolver define uma dimensão de limitação: como derivar a scope key de uma
// requisição e qual limite se aplica a ela.
type Resolver interface {
	Scope() domain.Scope
	// Limit devolve o limite configurado, ou false quando o escopo não se aplica.
	Limit(req domain.Request) (domain.Limit, bool)
	ScopeKey(req domain.Request) string
}

// GlobalResolver conta todas as requisições de um usuário em uma única chave.
type GlobalResolver struct {
	limit *domain.Limit
}

var _ Resolver = (*GlobalResolver)(nil)

// NewGlobalResolver devolve um resolver que nunca se aplica quando limit é nil.
func NewGlobalResolver(limit *domain.Limit) (*GlobalResolver, error) {
	if limit != nil {
		if err := limit.Validate(); err != nil {
			return nil, fmt.Errorf("global limit: %w", err)
		}
		l := *limit
		limit = &l
	}
	return &GlobalResolver{limit: limit}, nil
}

func (r *GlobalResolver) Scope() domain.Scope {
	return domain.ScopeGlobal
}

func (r *GlobalResolver) Limit(domain.Request) (domain.Limit, bool) {
	if r.limit == nil {
		return domain.Limit{}, false
	}
	return *r.limit, true
}

func (r *GlobalResolver) ScopeKey(domain.Request) string {
	return domain.GlobalScopeKey
}

// RouteResolver conta requisições por método e caminho completo, para rotas
// que tenham limite configurado.
type RouteResolver struct {
	source ports.RouteLimitSource
	cache  sync.Map // routeID -> routeLimit
}

var _ Resolver = (*RouteResolver)(nil)

type routeID struct {
	method string
	route  string
}

type routeLimit struct {
	limit domain.Limit
	ok    bool
}

func NewRouteResolver(source ports.RouteLimitSource) *RouteResolver {
	return &RouteResolver{source: source}
}

func (r *RouteResolver) Scope() domain.Scope {
	return domain.ScopeRoute
}

// Limit consulta a fonte uma vez por par (método, rota); ausências também ficam em cache.
func (r *RouteResolver) Limit(req domain.Request) (domain.Limit, bool) {
	if req.Route == "" || r.source == nil {
		return domain.Limit{}, false
	}

	id := routeID{method: strings.ToUpper(req.Method), route: req.Route}
	if cached, ok := r.cache.Load(id); ok {
		rl := cached.(routeLimit)
		return rl.limit, rl.ok
	}

	limit, ok := r.source.RouteLimit(id.method, id.route)
	actual, _ := r.cache.LoadOrStore(id, routeLimit{limit: limit, ok: ok})
	rl := actual.(routeLimit)
	return rl.limit, rl.ok
}

func (r *RouteResolver) ScopeKey(req domain.Request) string {
	return domain.RouteScopeKey(strings.ToUpper(req.Method), req.Path)
}

// RouteLimits é o registro de limites por rota, preenchido na inicialização.
// Depois de Freeze ele é somente leitura.
type RouteLimits struct {
	mu     sync.RWMutex
	limits map[routeID]domain.Limit
	frozen bool
}

var _ ports.RouteLimitSource = (*RouteLimits)(nil)

func NewRouteLimits() *RouteLimits {
	return &RouteLimits{limits: make(map[routeID]domain.Limit)}
}

// Register associa um limite a uma rota. Registrar a mesma rota duas vezes é
// erro de configuração.
func (r *RouteLimits) Register(method, route string, limit domain.Limit) error {
	if err := limit.Validate(); err != nil {
		return fmt.Errorf("route %s %s: %w", method, route, err)
	}
	if strings.TrimSpace(route) == "" {
		return fmt.Errorf("route name is required")
	}

	id := routeID{method: strings.ToUpper(strings.TrimSpace(method)), route: strings.TrimSpace(route)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("route limits are frozen, cannot register %s %s", id.method, id.route)
	}
	if _, exists := r.limits[id]; exists {
		return fmt.Errorf("%w: %s %s", domain.ErrRouteAlreadyRegistered, id.method, id.route)
	}
	r.limits[id] = limit
	return nil
}

// Freeze rejeita qualquer registro posterior.
func (r *RouteLimits) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *RouteLimits) RouteLimit(method, route string) (domain.Limit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit, ok := r.limits[routeID{method: strings.ToUpper(method), route: route}]
	return limit, ok
}

func (r *RouteLimits) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limits)
}
