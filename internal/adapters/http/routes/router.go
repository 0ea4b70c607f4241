// Package routes liga rotas chi aos seus limites de requisição.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/services"
)

// Router registra uma rota e o seu limite na mesma chamada, de modo que o
// padrão usado pelo chi e a chave do registro sejam sempre iguais.
type Router struct {
	chi.Router
	limits *services.RouteLimits
}

func NewRouter(r chi.Router, limits *services.RouteLimits) *Router {
	return &Router{Router: r, limits: limits}
}

// Handle registra o handler para método e padrão. Com limit nil a rota fica
// sujeita apenas ao escopo global.
func (r *Router) Handle(method, pattern string, limit *domain.Limit, handler http.HandlerFunc) error {
	if limit != nil {
		if err := r.limits.Register(method, pattern, *limit); err != nil {
			return err
		}
	}
	r.Router.MethodFunc(method, pattern, handler)
	return nil
}

func (r *Router) Limits() *services.RouteLimits {
	return r.limits
}
