package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/nanogen/internal/provider"
)

var ErrNoProvider = errors.New("all providers unavailable")

type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A cancelled request says nothing about the provider's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route returns the first provider with a closed breaker that serves the
// model slug. An empty slug matches any provider.
func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	for _, p := range r.providers {
		cb := r.breakers[p.Name()]
		if cb.State() == gobreaker.StateOpen {
			continue
		}
		if req.Model == "" || supports(p, req.Model) {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Result, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Result), nil
}

func supports(p provider.Provider, model string) bool {
	for _, m := range p.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}
