// Package router selects a usable endpoint per request based on the
// prober's health snapshots. Unhealthy endpoints are never selected;
// degraded endpoints only when no healthy one exists.
package router

import (
	"context"
	"sync"

	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/metrics"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// HealthSource is the router's read-only view of endpoint health, plus
// the out-of-band failure report channel back to the prober.
type HealthSource interface {
	States() []types.EndpointState
	ReportFailure(endpointID string)
}

// Router picks endpoints using weighted round-robin, weight inversely
// proportional to the prober's latency estimate.
type Router struct {
	health HealthSource
	cfg    config.RouterConfig
	logger *zap.Logger

	mu      sync.Mutex
	current map[string]int64 // smooth WRR running weights
	rr      int              // plain round-robin cursor
}

func New(health HealthSource, cfg config.RouterConfig, logger *zap.Logger) *Router {
	return &Router{
		health:  health,
		cfg:     cfg,
		logger:  logger,
		current: make(map[string]int64),
	}
}

// SelectEndpoint returns the endpoint the next request should go to.
func (r *Router) SelectEndpoint() (types.Endpoint, error) {
	return r.selectExcluding(nil)
}

func (r *Router) selectExcluding(exclude map[string]bool) (types.Endpoint, error) {
	states := r.health.States()

	pool := filter(states, types.Healthy, exclude)
	if len(pool) == 0 {
		// Degraded endpoints are a last resort, never unhealthy ones.
		pool = filter(states, types.Degraded, exclude)
	}
	if len(pool) == 0 {
		return types.Endpoint{}, types.ErrNoHealthyEndpoint
	}

	var ep types.Endpoint
	if r.cfg.Algorithm == "round-robin" {
		ep = r.pickRoundRobin(pool)
	} else {
		ep = r.pickWeighted(pool)
	}
	metrics.RouterSelections.WithLabelValues(ep.ID).Inc()
	return ep, nil
}

func filter(states []types.EndpointState, h types.HealthState, exclude map[string]bool) []types.EndpointState {
	var out []types.EndpointState
	for _, s := range states {
		if s.Health == h && !exclude[s.Endpoint.ID] {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) pickRoundRobin(pool []types.EndpointState) types.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := pool[r.rr%len(pool)].Endpoint
	r.rr++
	return ep
}

// pickWeighted implements smooth weighted round-robin: every candidate
// accumulates its weight each round, the leader is chosen and set back
// by the total, which spreads selections proportionally without bursts.
func (r *Router) pickWeighted(pool []types.EndpointState) types.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	var best string
	var bestWeight int64
	for _, s := range pool {
		w := weightOf(s)
		total += w
		r.current[s.Endpoint.ID] += w
		if best == "" || r.current[s.Endpoint.ID] > bestWeight {
			best = s.Endpoint.ID
			bestWeight = r.current[s.Endpoint.ID]
		}
	}
	r.current[best] -= total

	for _, s := range pool {
		if s.Endpoint.ID == best {
			return s.Endpoint
		}
	}
	return pool[0].Endpoint // unreachable
}

// weightOf maps a latency estimate to a selection weight. Endpoints
// without a latency sample yet get the weight of a 1ms endpoint so new
// endpoints are not starved.
func weightOf(s types.EndpointState) int64 {
	us := s.LatencyEWMA.Microseconds()
	if us <= 0 {
		us = 1000
	}
	w := int64(100_000_000) / us
	if w < 1 {
		w = 1
	}
	return w
}

// Do runs fn against a selected endpoint. A transport-level failure is
// reported back to the prober and retried against a different endpoint,
// capped by the configured retry limit so an outage is not amplified.
func (r *Router) Do(ctx context.Context, fn func(ctx context.Context, ep types.Endpoint) error) error {
	tried := make(map[string]bool)
	attempts := r.cfg.RetryLimit + 1

	var lastErr error
	for i := 0; i < attempts; i++ {
		ep, err := r.selectExcluding(tried)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if i > 0 {
			metrics.RouterRetries.Inc()
		}

		if err := fn(ctx, ep); err != nil {
			lastErr = err
			tried[ep.ID] = true
			r.health.ReportFailure(ep.ID)
			r.logger.Debug("routed call failed",
				zap.String("endpoint", ep.ID),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			continue
		}
		return nil
	}
	return lastErr
}
