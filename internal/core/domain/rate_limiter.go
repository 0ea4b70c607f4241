// Package domain concentra entidades e estruturas centrais do rate limiter.
package domain

import (
	"fmt"
	"time"
)

// GlobalScopeKey identifica o contador global de um usuário.
const GlobalScopeKey = "Global"

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeRoute  Scope = "route"
)

// Limit permite no máximo Hits requisições em uma janela fixa de Window,
// iniciada na primeira requisição da janela.
type Limit struct {
	Hits   int
	Window time.Duration
}

func (l Limit) Validate() error {
	if l.Hits <= 0 || l.Window <= 0 {
		return fmt.Errorf("%w: hits=%d window=%s", ErrInvalidLimit, l.Hits, l.Window)
	}
	return nil
}

// Exceeded informa se a contagem recém incrementada viola o limite. Passam
// exatamente Hits requisições por janela; a de número Hits+1 é a primeira negada.
func (l Limit) Exceeded(countAfterIncrement int64) bool {
	return countAfterIncrement > int64(l.Hits)
}

// IsFirstHit informa se o incremento abriu uma nova janela.
func IsFirstHit(countAfterIncrement int64) bool {
	return countAfterIncrement == 1
}

type Request struct {
	User   string
	Method string
	Path   string
	// Route é o padrão de rota registrado que casou com a requisição; vazio quando nenhum.
	Route string
}

// RouteScopeKey usa o caminho completo, então recursos distintos sob o mesmo
// padrão são contados separadamente.
func RouteScopeKey(method, path string) string {
	return method + " " + path
}

type Decision struct {
	Allowed      bool
	Scope        Scope
	ScopeKey     string
	AppliedLimit Limit
	CurrentCount int64
	RetryAfter   time.Duration
}

// Usage é o estado de um contador vivo.
type Usage struct {
	Count     int64
	Remaining time.Duration
}

// UsageReport mapeia scope keys para o uso atual de um usuário.
type UsageReport map[string]Usage
