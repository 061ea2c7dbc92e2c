package registry

import (
	"testing"

	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/memory"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.TiersConfig{
		Core:    config.TierConfig{Capacity: 100, HighWater: 0.85, LowWater: 0.60},
		Main:    config.TierConfig{Capacity: 1000, HighWater: 0.80, LowWater: 0.50},
		Archive: config.TierConfig{Capacity: -1},
	}
	return New(cfg,
		memory.NewStore(100, zap.NewNop()),
		memory.NewStore(1000, zap.NewNop()),
		memory.NewStore(-1, zap.NewNop()),
	)
}

func TestInfoCarriesConfig(t *testing.T) {
	r := newTestRegistry(t)

	core, err := r.Info(types.TierCore)
	if err != nil {
		t.Fatal(err)
	}
	if core.Capacity != 100 || core.HighWater != 0.85 || core.LowWater != 0.60 {
		t.Errorf("core info = %+v", core)
	}
	if core.Packed {
		t.Error("core tier must hold raw payloads")
	}

	main, err := r.Info(types.TierMain)
	if err != nil {
		t.Fatal(err)
	}
	if !main.Packed {
		t.Error("main tier must hold packed blobs")
	}

	archive, err := r.Info(types.TierArchive)
	if err != nil {
		t.Fatal(err)
	}
	if archive.Capacity != -1 {
		t.Errorf("archive capacity = %d, want -1 (unbounded)", archive.Capacity)
	}
	if !archive.Packed {
		t.Error("archive tier must hold packed blobs")
	}
}

func TestInfoUnknownTier(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Info(types.Tier(99)); err == nil {
		t.Error("Info accepted an unknown tier")
	}
}

func TestTierOrdering(t *testing.T) {
	r := newTestRegistry(t)

	tiers := r.Tiers()
	want := []types.Tier{types.TierCore, types.TierMain, types.TierArchive}
	if len(tiers) != len(want) {
		t.Fatalf("got %d tiers, want %d", len(tiers), len(want))
	}
	for i := range want {
		if tiers[i] != want[i] {
			t.Errorf("tier[%d] = %s, want %s", i, tiers[i], want[i])
		}
	}
}

func TestNext(t *testing.T) {
	r := newTestRegistry(t)

	next, ok := r.Next(types.TierCore)
	if !ok || next != types.TierMain {
		t.Errorf("Next(core) = %s, %v, want main", next, ok)
	}
	next, ok = r.Next(types.TierMain)
	if !ok || next != types.TierArchive {
		t.Errorf("Next(main) = %s, %v, want archive", next, ok)
	}
	if _, ok := r.Next(types.TierArchive); ok {
		t.Error("archive has a next tier")
	}
}

func TestMigratableTiersExcludesColdest(t *testing.T) {
	r := newTestRegistry(t)

	got := r.MigratableTiers()
	if len(got) != 2 {
		t.Fatalf("got %d migratable tiers, want 2", len(got))
	}
	for _, tier := range got {
		if tier == types.TierArchive {
			t.Error("archive listed as migratable")
		}
	}
}

func TestBackendRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	b, err := r.Backend(types.TierMain)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil {
		t.Fatal("nil backend for registered tier")
	}
}
