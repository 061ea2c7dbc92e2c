package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/events"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

func testConfig() config.ProberConfig {
	return config.ProberConfig{
		Interval:         config.Duration(30 * time.Second),
		Timeout:          config.Duration(50 * time.Millisecond),
		FailureThreshold: 3,
		SuccessThreshold: 2,
		HealthPath:       "/healthz",
	}
}

func newTestProber(t *testing.T, probeFn ProbeFunc) (*Prober, *events.MemoryPublisher) {
	t.Helper()
	pub := events.NewMemoryPublisher()
	endpoints := []types.Endpoint{
		{ID: "ep-1", URL: "http://ep-1.local"},
		{ID: "ep-2", URL: "http://ep-2.local"},
	}
	return New(testConfig(), endpoints, probeFn, pub, zap.NewNop()), pub
}

func TestEndpointsStartHealthy(t *testing.T) {
	p, _ := newTestProber(t, nil)
	for _, s := range p.States() {
		if s.Health != types.Healthy {
			t.Errorf("%s starts %s, want %s", s.Endpoint.ID, s.Health, types.Healthy)
		}
	}
}

func TestSingleFailureDegrades(t *testing.T) {
	p, _ := newTestProber(t, nil)

	p.ReportFailure("ep-1")

	s, ok := p.State("ep-1")
	if !ok {
		t.Fatal("unknown endpoint")
	}
	if s.Health != types.Degraded {
		t.Errorf("health after one failure = %s, want %s", s.Health, types.Degraded)
	}
	if s.ConsecFails != 1 {
		t.Errorf("consecutive fails = %d, want 1", s.ConsecFails)
	}

	// Other endpoints are untouched.
	if s2, _ := p.State("ep-2"); s2.Health != types.Healthy {
		t.Errorf("ep-2 health = %s, want %s", s2.Health, types.Healthy)
	}
}

func TestFailureThresholdMarksUnhealthy(t *testing.T) {
	p, pub := newTestProber(t, nil)

	for i := 0; i < 3; i++ {
		p.ReportFailure("ep-1")
	}

	s, _ := p.State("ep-1")
	if s.Health != types.Unhealthy {
		t.Fatalf("health after 3 failures = %s, want %s", s.Health, types.Unhealthy)
	}

	evs := pub.ByType(events.EndpointUnhealthy)
	if len(evs) != 1 {
		t.Fatalf("got %d unhealthy events, want 1", len(evs))
	}
	if evs[0].Data["endpoint"] != "ep-1" {
		t.Errorf("event endpoint = %q, want ep-1", evs[0].Data["endpoint"])
	}
}

func TestDegradedRecoversOnSingleSuccess(t *testing.T) {
	p, _ := newTestProber(t, nil)
	s := p.slots["ep-1"]

	p.applyFailure(s)
	if st := s.state.Load(); st.Health != types.Degraded {
		t.Fatalf("health = %s, want %s", st.Health, types.Degraded)
	}

	p.applySuccess(s, 10*time.Millisecond)
	st := s.state.Load()
	if st.Health != types.Healthy {
		t.Errorf("health after recovery = %s, want %s", st.Health, types.Healthy)
	}
	if st.ConsecFails != 0 {
		t.Errorf("consecutive fails = %d, want 0", st.ConsecFails)
	}
}

func TestUnhealthyRecoveryNeedsSuccessStreak(t *testing.T) {
	p, _ := newTestProber(t, nil)
	s := p.slots["ep-1"]

	for i := 0; i < 3; i++ {
		p.applyFailure(s)
	}

	p.applySuccess(s, 10*time.Millisecond)
	if st := s.state.Load(); st.Health != types.Unhealthy {
		t.Fatalf("health after 1 success = %s, want still %s", st.Health, types.Unhealthy)
	}

	p.applySuccess(s, 10*time.Millisecond)
	if st := s.state.Load(); st.Health != types.Healthy {
		t.Errorf("health after 2 successes = %s, want %s", st.Health, types.Healthy)
	}
}

func TestFailureResetsSuccessStreak(t *testing.T) {
	p, _ := newTestProber(t, nil)
	s := p.slots["ep-1"]

	for i := 0; i < 3; i++ {
		p.applyFailure(s)
	}
	p.applySuccess(s, 10*time.Millisecond)
	p.applyFailure(s)
	p.applySuccess(s, 10*time.Millisecond)

	// The streak restarted after the interleaved failure.
	if st := s.state.Load(); st.Health != types.Unhealthy {
		t.Errorf("health = %s, want still %s", st.Health, types.Unhealthy)
	}
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	blocked := func(ctx context.Context, _ types.Endpoint) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p, _ := newTestProber(t, blocked)
	s := p.slots["ep-1"]

	p.probeOnce(context.Background(), s)

	st := s.state.Load()
	if st.Health != types.Degraded {
		t.Errorf("health after timed-out probe = %s, want %s", st.Health, types.Degraded)
	}
	if st.ConsecFails != 1 {
		t.Errorf("consecutive fails = %d, want 1", st.ConsecFails)
	}
}

func TestLatencyEWMAMovesOnlyOnSuccess(t *testing.T) {
	p, _ := newTestProber(t, nil)
	s := p.slots["ep-1"]

	p.applySuccess(s, 100*time.Millisecond)
	if got := s.state.Load().LatencyEWMA; got != 100*time.Millisecond {
		t.Fatalf("first sample EWMA = %v, want 100ms", got)
	}

	p.applySuccess(s, 200*time.Millisecond)
	want := time.Duration(ewmaAlpha*float64(200*time.Millisecond) + (1-ewmaAlpha)*float64(100*time.Millisecond))
	if got := s.state.Load().LatencyEWMA; got != want {
		t.Fatalf("EWMA after second sample = %v, want %v", got, want)
	}

	// Failures leave the estimate alone.
	p.applyFailure(s)
	if got := s.state.Load().LatencyEWMA; got != want {
		t.Errorf("EWMA after failure = %v, want unchanged %v", got, want)
	}
}

func TestProbeOnceRecordsLatency(t *testing.T) {
	slow := func(ctx context.Context, _ types.Endpoint) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}
	p, _ := newTestProber(t, slow)
	s := p.slots["ep-1"]

	p.probeOnce(context.Background(), s)

	if got := s.state.Load().LatencyEWMA; got < 5*time.Millisecond {
		t.Errorf("EWMA = %v, want >= 5ms", got)
	}
}

func TestReportFailureUnknownEndpoint(t *testing.T) {
	p, _ := newTestProber(t, nil)
	p.ReportFailure("no-such-endpoint")
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	p, _ := newTestProber(t, nil)
	s := p.slots["ep-1"]

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if (w+i)%2 == 0 {
					p.applySuccess(s, time.Millisecond)
				} else {
					p.applyFailure(s)
				}
			}
		}()
	}
	wg.Wait()

	st := s.state.Load()
	if st.ProbeCount != workers*perWorker {
		t.Errorf("probe count = %d, want %d (no lost CAS update)", st.ProbeCount, workers*perWorker)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	calls := make(chan struct{}, 64)
	probeFn := func(ctx context.Context, _ types.Endpoint) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}

	cfg := testConfig()
	cfg.Interval = config.Duration(5 * time.Millisecond)
	pub := events.NewMemoryPublisher()
	p := New(cfg, []types.Endpoint{{ID: "ep-1", URL: "http://ep-1.local"}}, probeFn, pub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never fired")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
