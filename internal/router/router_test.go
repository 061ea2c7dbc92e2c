package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/metrics"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// fakeHealth is a scriptable HealthSource.
type fakeHealth struct {
	mu       sync.Mutex
	states   []types.EndpointState
	failures []string
}

func (f *fakeHealth) States() []types.EndpointState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.EndpointState, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeHealth) ReportFailure(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, id)
}

func (f *fakeHealth) reported() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failures))
	copy(out, f.failures)
	return out
}

func ep(id string, h types.HealthState, latency time.Duration) types.EndpointState {
	return types.EndpointState{
		Endpoint:    types.Endpoint{ID: id, URL: "http://" + id + ".local"},
		Health:      h,
		LatencyEWMA: latency,
	}
}

func newTestRouter(health *fakeHealth, retryLimit int) *Router {
	return New(health, config.RouterConfig{
		Algorithm:  "weighted-round-robin",
		RetryLimit: retryLimit,
	}, zap.NewNop())
}

func TestSelectNeverPicksUnhealthy(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-ok", types.Healthy, 10*time.Millisecond),
		ep("ep-down", types.Unhealthy, time.Millisecond),
	}}
	r := newTestRouter(health, 0)

	for i := 0; i < 100; i++ {
		got, err := r.SelectEndpoint()
		if err != nil {
			t.Fatal(err)
		}
		if got.ID == "ep-down" {
			t.Fatal("unhealthy endpoint selected")
		}
	}
}

func TestSelectPrefersHealthyOverDegraded(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-degraded", types.Degraded, time.Millisecond),
		ep("ep-healthy", types.Healthy, 100*time.Millisecond),
	}}
	r := newTestRouter(health, 0)

	for i := 0; i < 50; i++ {
		got, err := r.SelectEndpoint()
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != "ep-healthy" {
			t.Fatalf("selected %s, want ep-healthy (degraded must not be used while a healthy endpoint exists)", got.ID)
		}
	}
}

func TestSelectFallsBackToDegraded(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-degraded", types.Degraded, time.Millisecond),
		ep("ep-down", types.Unhealthy, time.Millisecond),
	}}
	r := newTestRouter(health, 0)

	got, err := r.SelectEndpoint()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "ep-degraded" {
		t.Errorf("selected %s, want ep-degraded", got.ID)
	}
}

func TestSelectNoUsableEndpoint(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-down", types.Unhealthy, time.Millisecond),
	}}
	r := newTestRouter(health, 0)

	_, err := r.SelectEndpoint()
	if !errors.Is(err, types.ErrNoHealthyEndpoint) {
		t.Fatalf("error = %v, want ErrNoHealthyEndpoint", err)
	}
}

func TestWeightedSelectionFavorsFasterEndpoint(t *testing.T) {
	// 10ms vs 100ms: the fast endpoint should see roughly 10x the
	// traffic of the slow one.
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-fast", types.Healthy, 10*time.Millisecond),
		ep("ep-slow", types.Healthy, 100*time.Millisecond),
	}}
	r := newTestRouter(health, 0)

	counts := make(map[string]int)
	const trials = 1100
	for i := 0; i < trials; i++ {
		got, err := r.SelectEndpoint()
		if err != nil {
			t.Fatal(err)
		}
		counts[got.ID]++
	}

	// Exact smooth-WRR proportions: 1000 fast, 100 slow out of 1100.
	if counts["ep-fast"] < 900 || counts["ep-fast"] > 1050 {
		t.Errorf("ep-fast selected %d/%d times, want ~1000", counts["ep-fast"], trials)
	}
	if counts["ep-slow"] < 50 || counts["ep-slow"] > 200 {
		t.Errorf("ep-slow selected %d/%d times, want ~100", counts["ep-slow"], trials)
	}
}

func TestWeightedSelectionSpreadsEqualLatency(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-a", types.Healthy, 10*time.Millisecond),
		ep("ep-b", types.Healthy, 10*time.Millisecond),
	}}
	r := newTestRouter(health, 0)

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		got, _ := r.SelectEndpoint()
		counts[got.ID]++
	}
	if counts["ep-a"] != 50 || counts["ep-b"] != 50 {
		t.Errorf("selection split = %v, want 50/50", counts)
	}
}

func TestEndpointWithoutSampleIsNotStarved(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-new", types.Healthy, 0),
		ep("ep-old", types.Healthy, time.Millisecond),
	}}
	r := newTestRouter(health, 0)

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		got, _ := r.SelectEndpoint()
		counts[got.ID]++
	}
	// Both carry the 1ms default weight.
	if counts["ep-new"] != 50 {
		t.Errorf("ep-new selected %d/100 times, want 50", counts["ep-new"])
	}
}

func TestRoundRobinAlgorithm(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-a", types.Healthy, time.Millisecond),
		ep("ep-b", types.Healthy, 50*time.Millisecond),
	}}
	r := New(health, config.RouterConfig{Algorithm: "round-robin"}, zap.NewNop())

	var order []string
	for i := 0; i < 4; i++ {
		got, _ := r.SelectEndpoint()
		order = append(order, got.ID)
	}
	want := []string{"ep-a", "ep-b", "ep-a", "ep-b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("round-robin order = %v, want %v", order, want)
		}
	}
}

func TestDoRetriesOnDifferentEndpoint(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-a", types.Healthy, time.Millisecond),
		ep("ep-b", types.Healthy, time.Millisecond),
	}}
	r := newTestRouter(health, 1)

	var attempts []string
	err := r.Do(context.Background(), func(_ context.Context, e types.Endpoint) error {
		attempts = append(attempts, e.ID)
		if len(attempts) == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0] == attempts[1] {
		t.Errorf("retry hit the same endpoint %s twice", attempts[0])
	}

	// The failed attempt was reported out of band.
	reported := health.reported()
	if len(reported) != 1 || reported[0] != attempts[0] {
		t.Errorf("reported failures = %v, want [%s]", reported, attempts[0])
	}
}

func TestDoRetryLimitBoundsAttempts(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-a", types.Healthy, time.Millisecond),
		ep("ep-b", types.Healthy, time.Millisecond),
		ep("ep-c", types.Healthy, time.Millisecond),
	}}
	r := newTestRouter(health, 1)

	wantErr := errors.New("all down")
	var attempts int
	err := r.Do(context.Background(), func(_ context.Context, _ types.Endpoint) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if attempts != 2 {
		t.Errorf("got %d attempts, want 2 (retry limit 1)", attempts)
	}
}

func TestDoReturnsLastErrorWhenPoolExhausted(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-only", types.Healthy, time.Millisecond),
	}}
	r := newTestRouter(health, 3)

	wantErr := errors.New("refused")
	err := r.Do(context.Background(), func(_ context.Context, _ types.Endpoint) error {
		return wantErr
	})
	// With the single endpoint excluded after its failure, the caller
	// gets the transport error, not ErrNoHealthyEndpoint.
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
}

func TestDoCountsSuccessfulRetry(t *testing.T) {
	health := &fakeHealth{states: []types.EndpointState{
		ep("ep-a", types.Healthy, time.Millisecond),
		ep("ep-b", types.Healthy, time.Millisecond),
	}}
	r := newTestRouter(health, 1)

	before := testutil.ToFloat64(metrics.RouterRetries)

	var attempts int
	err := r.Do(context.Background(), func(_ context.Context, _ types.Endpoint) error {
		attempts++
		if attempts == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A retry that succeeds is still a retry.
	if got := testutil.ToFloat64(metrics.RouterRetries) - before; got != 1 {
		t.Errorf("retry counter moved by %v, want 1", got)
	}
}

func TestDoNoEndpointsAtAll(t *testing.T) {
	r := newTestRouter(&fakeHealth{}, 1)
	err := r.Do(context.Background(), func(_ context.Context, _ types.Endpoint) error {
		t.Fatal("fn called with no endpoints")
		return nil
	})
	if !errors.Is(err, types.ErrNoHealthyEndpoint) {
		t.Fatalf("error = %v, want ErrNoHealthyEndpoint", err)
	}
}
