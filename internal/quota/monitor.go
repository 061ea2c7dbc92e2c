// Package quota watches per-tier usage against configured watermarks
// and raises migration triggers. It never moves data itself.
package quota

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/events"
	"github.com/strataops/strata/internal/meta"
	"github.com/strataops/strata/internal/metrics"
	"github.com/strataops/strata/internal/registry"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// ActivityChecker reports whether a migration job for a tier pair is
// currently running. Used for duplicate-trigger suppression.
type ActivityChecker interface {
	Active(src, dst types.Tier) bool
}

// Monitor periodically measures tier usage and emits migration
// triggers into the mailbox consumed by the migration engine.
type Monitor struct {
	reg    *registry.Registry
	meta   meta.Store
	jobs   ActivityChecker
	events events.Publisher
	cfg    config.MigrationConfig
	direct bool
	logger *zap.Logger

	mu        sync.Mutex
	snapshots map[types.Tier]types.QuotaSnapshot
}

func NewMonitor(reg *registry.Registry, metaStore meta.Store, jobs ActivityChecker, pub events.Publisher, cfg config.MigrationConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		reg:       reg,
		meta:      metaStore,
		jobs:      jobs,
		events:    pub,
		cfg:       cfg,
		direct:    cfg.AllowDirectArchive,
		logger:    logger,
		snapshots: make(map[types.Tier]types.QuotaSnapshot),
	}
}

// Run starts the periodic quota check loop and sends triggers to out.
func (m *Monitor) Run(ctx context.Context, out chan<- types.MigrationTrigger) error {
	ticker := time.NewTicker(m.cfg.CheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			triggers, err := m.CheckQuotas(ctx)
			if err != nil {
				m.logger.Error("quota check error", zap.Error(err))
				continue
			}
			for _, trig := range triggers {
				select {
				case out <- trig:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// CheckQuotas measures every migratable tier and returns a trigger for
// each tier above its high-water mark. A trigger is suppressed while a
// job for the same tier pair is non-terminal.
func (m *Monitor) CheckQuotas(ctx context.Context) ([]types.MigrationTrigger, error) {
	var triggers []types.MigrationTrigger
	now := time.Now()

	for _, tier := range m.reg.MigratableTiers() {
		info, err := m.reg.Info(tier)
		if err != nil {
			return nil, err
		}

		used, err := m.meta.Usage(ctx, tier)
		if err != nil {
			return nil, err
		}

		snap := types.QuotaSnapshot{
			Tier:      tier,
			UsedBytes: used,
			Capacity:  info.Capacity,
			Timestamp: now,
		}
		m.publishSnapshot(snap)

		if info.Capacity <= 0 {
			continue
		}
		ratio := snap.UsageRatio()
		if ratio < info.HighWater {
			continue
		}

		// Reclaim down to the low-water mark, not just below the high
		// one; the gap is the hysteresis band that prevents thrash.
		lowBytes := int64(info.LowWater * float64(info.Capacity))
		reclaim := used - lowBytes
		if reclaim <= 0 {
			continue
		}

		dest, ok := m.reg.Next(tier)
		if !ok {
			continue
		}
		if m.direct && tier == types.TierCore {
			dest = types.TierArchive
		}

		if m.jobs.Active(tier, dest) {
			m.logger.Debug("trigger suppressed, job already active",
				zap.String("source", tier.String()),
				zap.String("dest", dest.String()),
			)
			continue
		}

		trig := types.MigrationTrigger{
			Source:       tier,
			Dest:         dest,
			ReclaimBytes: reclaim,
			Reason:       "high-water mark crossed",
		}
		triggers = append(triggers, trig)
		metrics.QuotaTriggers.WithLabelValues(tier.String(), dest.String()).Inc()

		m.publishThresholdCrossed(ctx, snap, trig)
		m.logger.Info("quota threshold crossed",
			zap.String("tier", tier.String()),
			zap.Int64("used_bytes", used),
			zap.Int64("capacity", info.Capacity),
			zap.Float64("ratio", ratio),
			zap.Int64("reclaim_bytes", reclaim),
		)
	}

	return triggers, nil
}

func (m *Monitor) publishSnapshot(snap types.QuotaSnapshot) {
	m.mu.Lock()
	m.snapshots[snap.Tier] = snap
	m.mu.Unlock()

	metrics.TierUsedBytes.WithLabelValues(snap.Tier.String()).Set(float64(snap.UsedBytes))
	metrics.TierUsageRatio.WithLabelValues(snap.Tier.String()).Set(snap.UsageRatio())
}

// Snapshots returns the most recent snapshot per tier.
func (m *Monitor) Snapshots() []types.QuotaSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.QuotaSnapshot, 0, len(m.snapshots))
	for _, t := range []types.Tier{types.TierCore, types.TierMain, types.TierArchive} {
		if snap, ok := m.snapshots[t]; ok {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Monitor) publishThresholdCrossed(ctx context.Context, snap types.QuotaSnapshot, trig types.MigrationTrigger) {
	err := m.events.Publish(ctx, events.Event{
		Type: events.QuotaThresholdCrossed,
		Time: snap.Timestamp,
		Data: map[string]string{
			"tier":          snap.Tier.String(),
			"used_bytes":    strconv.FormatInt(snap.UsedBytes, 10),
			"capacity":      strconv.FormatInt(snap.Capacity, 10),
			"reclaim_bytes": strconv.FormatInt(trig.ReclaimBytes, 10),
			"dest":          trig.Dest.String(),
		},
	})
	if err != nil {
		m.logger.Warn("failed to publish quota event", zap.Error(err))
	}
}
