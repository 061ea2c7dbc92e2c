// Package probe owns endpoint health state. Each endpoint gets its own
// probe loop so one slow probe never blocks the others, and state is
// updated through an atomic compare-and-swap so the periodic probes and
// the router's out-of-band failure reports never interleave into an
// inconsistent failure count.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/events"
	"github.com/strataops/strata/internal/metrics"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ewmaAlpha weights the newest latency sample in the moving average.
const ewmaAlpha = 0.3

// ProbeFunc performs one liveness check against an endpoint. A nil
// error means the endpoint answered within the probe timeout.
type ProbeFunc func(ctx context.Context, ep types.Endpoint) error

type slot struct {
	endpoint types.Endpoint
	state    atomic.Pointer[types.EndpointState]
}

// Prober runs periodic health checks and exposes per-endpoint state
// snapshots to the router.
type Prober struct {
	cfg    config.ProberConfig
	slots  map[string]*slot
	order  []string
	probe  ProbeFunc
	events events.Publisher
	logger *zap.Logger
}

// New creates a prober for the given endpoints. probeFn may be nil, in
// which case an HTTP GET against the configured health path is used.
func New(cfg config.ProberConfig, endpoints []types.Endpoint, probeFn ProbeFunc, pub events.Publisher, logger *zap.Logger) *Prober {
	p := &Prober{
		cfg:    cfg,
		slots:  make(map[string]*slot),
		probe:  probeFn,
		events: pub,
		logger: logger,
	}
	if p.probe == nil {
		p.probe = httpProbe(cfg.HealthPath)
	}
	for _, ep := range endpoints {
		s := &slot{endpoint: ep}
		s.state.Store(&types.EndpointState{Endpoint: ep, Health: types.Healthy})
		p.slots[ep.ID] = s
		p.order = append(p.order, ep.ID)
	}
	return p
}

func httpProbe(healthPath string) ProbeFunc {
	client := &http.Client{}
	return func(ctx context.Context, ep types.Endpoint) error {
		url := strings.TrimSuffix(ep.URL, "/") + healthPath
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("endpoint %s returned %d", ep.ID, resp.StatusCode)
		}
		return nil
	}
}

// Run starts one probe loop per endpoint and blocks until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range p.order {
		s := p.slots[id]
		g.Go(func() error { return p.runLoop(gctx, s) })
	}
	return g.Wait()
}

func (p *Prober) runLoop(ctx context.Context, s *slot) error {
	ticker := time.NewTicker(p.cfg.Interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probeOnce(ctx, s)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, s *slot) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout.Duration())
	defer cancel()

	start := time.Now()
	err := p.probe(probeCtx, s.endpoint)
	latency := time.Since(start)

	if err != nil {
		// A timed-out probe counts as a failure.
		p.applyFailure(s)
		p.logger.Debug("probe failed",
			zap.String("endpoint", s.endpoint.ID),
			zap.Error(err),
		)
		return
	}

	p.applySuccess(s, latency)
	metrics.ProbeLatency.WithLabelValues(s.endpoint.ID).Observe(latency.Seconds())
}

// ReportFailure is the router's out-of-band signal for a routed call
// that failed at the transport level. It applies the same transition
// rules as a failed probe so health reacts faster than the probe
// interval.
func (p *Prober) ReportFailure(endpointID string) {
	s, ok := p.slots[endpointID]
	if !ok {
		return
	}
	p.applyFailure(s)
}

func (p *Prober) applySuccess(s *slot, latency time.Duration) {
	for {
		cur := s.state.Load()
		next := *cur
		next.ConsecFails = 0
		next.ConsecOKs = cur.ConsecOKs + 1
		next.LastProbe = time.Now()
		next.ProbeCount = cur.ProbeCount + 1

		// Latency estimate only moves on successful probes.
		if cur.LatencyEWMA == 0 {
			next.LatencyEWMA = latency
		} else {
			next.LatencyEWMA = time.Duration(
				ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(cur.LatencyEWMA))
		}

		switch cur.Health {
		case types.Degraded:
			next.Health = types.Healthy
		case types.Unhealthy:
			// Recovery needs a streak of successes so a flapping
			// endpoint does not bounce straight back into rotation.
			if next.ConsecOKs >= p.cfg.SuccessThreshold {
				next.Health = types.Healthy
			}
		}

		if s.state.CompareAndSwap(cur, &next) {
			if cur.Health != next.Health {
				p.logTransition(s.endpoint, cur.Health, next.Health)
			}
			return
		}
	}
}

func (p *Prober) applyFailure(s *slot) {
	for {
		cur := s.state.Load()
		next := *cur
		next.ConsecOKs = 0
		next.ConsecFails = cur.ConsecFails + 1
		next.LastProbe = time.Now()
		next.ProbeCount = cur.ProbeCount + 1

		switch {
		case next.ConsecFails >= p.cfg.FailureThreshold:
			next.Health = types.Unhealthy
		case cur.Health == types.Healthy:
			next.Health = types.Degraded
		}

		if s.state.CompareAndSwap(cur, &next) {
			if cur.Health != next.Health {
				p.logTransition(s.endpoint, cur.Health, next.Health)
				if next.Health == types.Unhealthy {
					p.publishUnhealthy(s.endpoint, next.ConsecFails)
				}
			}
			return
		}
	}
}

func (p *Prober) logTransition(ep types.Endpoint, from, to types.HealthState) {
	p.logger.Info("endpoint health transition",
		zap.String("endpoint", ep.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	metrics.EndpointHealth.WithLabelValues(ep.ID).Set(float64(to))
}

func (p *Prober) publishUnhealthy(ep types.Endpoint, fails int) {
	err := p.events.Publish(context.Background(), events.Event{
		Type: events.EndpointUnhealthy,
		Time: time.Now(),
		Data: map[string]string{
			"endpoint":          ep.ID,
			"url":               ep.URL,
			"consecutive_fails": fmt.Sprintf("%d", fails),
		},
	})
	if err != nil {
		p.logger.Warn("failed to publish endpoint event",
			zap.String("endpoint", ep.ID), zap.Error(err))
	}
}

// State returns the current snapshot for one endpoint.
func (p *Prober) State(endpointID string) (types.EndpointState, bool) {
	s, ok := p.slots[endpointID]
	if !ok {
		return types.EndpointState{}, false
	}
	return *s.state.Load(), true
}

// States returns snapshots for all endpoints in registration order.
func (p *Prober) States() []types.EndpointState {
	out := make([]types.EndpointState, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.slots[id].state.Load())
	}
	return out
}
