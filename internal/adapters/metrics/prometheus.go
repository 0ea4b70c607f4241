// Package metrics expõe as decisões do rate limiter como métricas Prometheus.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
)

type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// Collector implementa ports.Observer sobre contadores Prometheus.
type Collector struct {
	Decisions       *prometheus.CounterVec
	BackendFailures *prometheus.CounterVec
}

var _ ports.Observer = (*Collector)(nil)

func NewCollector(opts Options) (*Collector, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "quota_limiter"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	decisions, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Rate limit decisions partitioned by scope and outcome.",
	}, []string{"scope", "outcome"})
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_failures_total",
		Help:      "Counter store operations that failed open.",
	}, []string{"operation"})
	if err != nil {
		return nil, err
	}

	return &Collector{Decisions: decisions, BackendFailures: failures}, nil
}

func (c *Collector) ObserveDecision(scope domain.Scope, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	c.Decisions.WithLabelValues(string(scope), outcome).Inc()
}

func (c *Collector) ObserveBackendFailure(operation string) {
	c.BackendFailures.WithLabelValues(operation).Inc()
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register %s collector: %w", opts.Name, err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing %s collector has unexpected type %T", opts.Name, already.ExistingCollector)
		}
		return existing, nil
	}
	return vec, nil
}
