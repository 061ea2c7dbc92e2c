// Package registry describes the configured tier set: rank ordering,
// capacities, watermarks, and the backend fronting each tier.
package registry

import (
	"context"
	"fmt"

	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/types"
)

// TierInfo is the registry's view of a single tier.
type TierInfo struct {
	Tier      types.Tier
	Capacity  int64 // -1 for unlimited
	HighWater float64
	LowWater  float64
	// Packed tiers hold archiver-packed blobs; the core tier holds raw
	// payloads written through the front door.
	Packed  bool
	Backend backend.Backend
}

// Registry is the ordered set of tiers.
type Registry struct {
	tiers map[types.Tier]*TierInfo
	order []types.Tier
}

// New builds a registry from config and the instantiated backends.
func New(cfg config.TiersConfig, core, main, archive backend.Backend) *Registry {
	r := &Registry{
		tiers: make(map[types.Tier]*TierInfo),
		order: []types.Tier{types.TierCore, types.TierMain, types.TierArchive},
	}
	r.tiers[types.TierCore] = &TierInfo{
		Tier:      types.TierCore,
		Capacity:  int64(cfg.Core.Capacity),
		HighWater: cfg.Core.HighWater,
		LowWater:  cfg.Core.LowWater,
		Packed:    false,
		Backend:   core,
	}
	r.tiers[types.TierMain] = &TierInfo{
		Tier:      types.TierMain,
		Capacity:  int64(cfg.Main.Capacity),
		HighWater: cfg.Main.HighWater,
		LowWater:  cfg.Main.LowWater,
		Packed:    true,
		Backend:   main,
	}
	r.tiers[types.TierArchive] = &TierInfo{
		Tier:     types.TierArchive,
		Capacity: int64(cfg.Archive.Capacity),
		Packed:   true,
		Backend:  archive,
	}
	return r
}

// Info returns the registry entry for a tier.
func (r *Registry) Info(t types.Tier) (*TierInfo, error) {
	info, ok := r.tiers[t]
	if !ok {
		return nil, fmt.Errorf("tier %s not registered", t)
	}
	return info, nil
}

// Backend returns the store fronting a tier.
func (r *Registry) Backend(t types.Tier) (backend.Backend, error) {
	info, err := r.Info(t)
	if err != nil {
		return nil, err
	}
	if info.Backend == nil {
		return nil, fmt.Errorf("tier %s has no backend", t)
	}
	return info.Backend, nil
}

// Next returns the tier one rank colder than t. Migration never skips
// ranks unless direct-archive is explicitly requested.
func (r *Registry) Next(t types.Tier) (types.Tier, bool) {
	return t.Next()
}

// Tiers returns all tiers in rank order, fastest first.
func (r *Registry) Tiers() []types.Tier {
	out := make([]types.Tier, len(r.order))
	copy(out, r.order)
	return out
}

// MigratableTiers returns tiers that can migrate out, i.e. every tier
// except the coldest.
func (r *Registry) MigratableTiers() []types.Tier {
	return r.order[:len(r.order)-1]
}

// Close closes every backend.
func (r *Registry) Close() error {
	var firstErr error
	for _, t := range r.order {
		if b := r.tiers[t].Backend; b != nil {
			if err := b.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BackendUsage queries the backend of a tier directly. Quota decisions
// use the metadata counters instead; this is for reconciliation and
// readiness checks.
func (r *Registry) BackendUsage(ctx context.Context, t types.Tier) (backend.Usage, error) {
	b, err := r.Backend(t)
	if err != nil {
		return backend.Usage{}, err
	}
	return b.Usage(ctx)
}
