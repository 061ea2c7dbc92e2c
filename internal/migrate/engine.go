// Package migrate executes migration jobs: moving batches of records
// from one tier to the next with verify-before-delete semantics. A
// record is never deleted from its source tier before its destination
// copy has been re-read and checksum-verified.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/strataops/strata/internal/archiver"
	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/events"
	"github.com/strataops/strata/internal/meta"
	"github.com/strataops/strata/internal/metrics"
	"github.com/strataops/strata/internal/registry"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

type pairKey struct {
	src types.Tier
	dst types.Tier
}

type activeJob struct {
	jobID  string
	cancel context.CancelFunc
}

// Engine owns migration jobs from creation to terminal state. At most
// one job is active per (source, destination) pair; a second trigger
// for an active pair is rejected, not queued.
type Engine struct {
	reg    *registry.Registry
	meta   meta.Store
	arch   *archiver.Archiver
	events events.Publisher
	cfg    config.MigrationConfig
	logger *zap.Logger

	mu     sync.Mutex
	active map[pairKey]*activeJob
}

func NewEngine(reg *registry.Registry, metaStore meta.Store, arch *archiver.Archiver, pub events.Publisher, cfg config.MigrationConfig, logger *zap.Logger) *Engine {
	return &Engine{
		reg:    reg,
		meta:   metaStore,
		arch:   arch,
		events: pub,
		cfg:    cfg,
		logger: logger,
		active: make(map[pairKey]*activeJob),
	}
}

// Active reports whether a job for the tier pair is currently running.
func (e *Engine) Active(src, dst types.Tier) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[pairKey{src, dst}]
	return ok
}

// Trigger claims the tier pair and creates a pending job. It returns
// types.ErrAlreadyRunning if a job for the pair is already active. The
// caller must pass the returned job to Run.
func (e *Engine) Trigger(ctx context.Context, trig types.MigrationTrigger, manual bool) (*types.MigrationJob, error) {
	if err := e.validatePair(trig.Source, trig.Dest); err != nil {
		return nil, err
	}

	key := pairKey{trig.Source, trig.Dest}
	e.mu.Lock()
	if _, ok := e.active[key]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s -> %s: %w", trig.Source, trig.Dest, types.ErrAlreadyRunning)
	}
	job := &types.MigrationJob{
		ID:            uuid.NewString(),
		Source:        trig.Source,
		Dest:          trig.Dest,
		Status:        types.JobPending,
		ReclaimTarget: trig.ReclaimBytes,
		Manual:        manual,
		Records:       make(map[string]types.RecordResult),
		StartedAt:     time.Now(),
	}
	e.active[key] = &activeJob{jobID: job.ID}
	e.mu.Unlock()

	if err := e.meta.SaveJob(ctx, *job); err != nil {
		e.release(key)
		return nil, fmt.Errorf("journaling job: %w", err)
	}

	e.logger.Info("migration job created",
		zap.String("job_id", job.ID),
		zap.String("source", trig.Source.String()),
		zap.String("dest", trig.Dest.String()),
		zap.Int64("reclaim_bytes", trig.ReclaimBytes),
		zap.Bool("manual", manual),
	)
	return job, nil
}

func (e *Engine) validatePair(src, dst types.Tier) error {
	if _, err := e.reg.Info(src); err != nil {
		return err
	}
	if _, err := e.reg.Info(dst); err != nil {
		return err
	}
	next, ok := e.reg.Next(src)
	if ok && dst == next {
		return nil
	}
	// Skipping the intermediate tier is only allowed when explicitly
	// configured, and only toward the archive.
	if e.cfg.AllowDirectArchive && src == types.TierCore && dst == types.TierArchive {
		return nil
	}
	return fmt.Errorf("invalid migration pair %s -> %s", src, dst)
}

// Cancel requests cancellation of a running job. The job stops between
// records, never mid-record.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.active {
		if a.jobID == jobID && a.cancel != nil {
			a.cancel()
			return true
		}
	}
	return false
}

func (e *Engine) release(key pairKey) {
	e.mu.Lock()
	delete(e.active, key)
	e.mu.Unlock()
}

// RunLoop consumes triggers from the mailbox and runs one job per
// trigger. Jobs for disjoint tier pairs run concurrently.
func (e *Engine) RunLoop(ctx context.Context, triggers <-chan types.MigrationTrigger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trig, ok := <-triggers:
			if !ok {
				return nil
			}
			job, err := e.Trigger(ctx, trig, false)
			if err != nil {
				if errors.Is(err, types.ErrAlreadyRunning) {
					// Duplicate trigger for an active pair is dropped.
					e.logger.Debug("trigger dropped",
						zap.String("source", trig.Source.String()),
						zap.String("dest", trig.Dest.String()),
					)
					continue
				}
				e.logger.Error("trigger rejected", zap.Error(err))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.Run(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Error("migration job error",
						zap.String("job_id", job.ID), zap.Error(err))
				}
			}()
		}
	}
}

// Run drives a job through its state machine:
// pending -> transferring -> verifying -> committing -> completed.
func (e *Engine) Run(ctx context.Context, job *types.MigrationJob) error {
	key := pairKey{job.Source, job.Dest}
	defer e.release(key)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if a, ok := e.active[key]; ok && a.jobID == job.ID {
		a.cancel = cancel
	}
	e.mu.Unlock()

	start := time.Now()
	srcInfo, err := e.reg.Info(job.Source)
	if err != nil {
		return e.fail(ctx, job, err)
	}
	dstInfo, err := e.reg.Info(job.Dest)
	if err != nil {
		return e.fail(ctx, job, err)
	}

	candidates, err := e.selectRecords(ctx, job)
	if err != nil {
		return e.fail(ctx, job, err)
	}
	if len(candidates) == 0 {
		job.Status = types.JobCompleted
		job.CompletedAt = time.Now()
		e.saveJob(ctx, job)
		e.logger.Info("no migration candidates", zap.String("job_id", job.ID))
		return nil
	}

	blobSizes := make(map[string]int64)
	cancelled := e.transferPhase(jobCtx, job, srcInfo, dstInfo, candidates, blobSizes)
	e.verifyPhase(ctx, job, dstInfo, candidates, blobSizes)
	e.commitPhase(ctx, job, srcInfo, candidates, blobSizes)

	var committed, failed int
	for _, r := range job.Records {
		switch r.Phase {
		case types.PhaseCommitted:
			committed++
		case types.PhaseFailed:
			failed++
		}
	}

	// A cancelled job ends failed with a partial-completion record
	// list; it is safe to resume by re-triggering.
	if cancelled {
		job.Status = types.JobFailed
	} else {
		job.Status = types.JobCompleted
	}
	job.CompletedAt = time.Now()
	e.saveJob(ctx, job)

	result := "completed"
	if cancelled {
		result = "cancelled"
	}
	metrics.MigrationJobs.WithLabelValues(job.Source.String(), job.Dest.String(), result).Inc()
	metrics.MigrationDuration.WithLabelValues(job.Source.String(), job.Dest.String()).
		Observe(time.Since(start).Seconds())

	e.publishResult(ctx, job, committed, failed)

	e.logger.Info("migration job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("committed", committed),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)

	if cancelled {
		return types.ErrJobCancelled
	}
	return nil
}

func (e *Engine) selectRecords(ctx context.Context, job *types.MigrationJob) ([]types.Record, error) {
	records, err := e.meta.ListByTier(ctx, job.Source)
	if err != nil {
		return nil, fmt.Errorf("listing source records: %w", err)
	}
	candidates := SelectCandidates(records, e.cfg.Policy, job.ReclaimTarget, e.cfg.BatchSize)

	for _, rec := range candidates {
		job.Records[rec.ID] = types.RecordResult{Phase: types.PhaseSelected}
	}
	job.Status = types.JobTransferring
	e.saveJob(ctx, job)
	return candidates, nil
}

// transferPhase packs each record and writes it to the destination.
// Returns true if the job was cancelled between records.
func (e *Engine) transferPhase(ctx context.Context, job *types.MigrationJob, src, dst *registry.TierInfo, candidates []types.Record, blobSizes map[string]int64) (cancelled bool) {
	// Usage counters only move at commit, so blobs this job has already
	// written are tracked here and held against the remaining headroom.
	var inFlight int64
	for i, rec := range candidates {
		// Cancellation is checked before each record's transfer, never
		// mid-record.
		if ctx.Err() != nil {
			for _, rest := range candidates[i:] {
				if job.Records[rest.ID].Phase == types.PhaseSelected {
					e.failRecord(job, rest.ID, types.ErrJobCancelled)
				}
			}
			return true
		}

		payload, err := e.readPayload(ctx, src, rec)
		if err != nil {
			e.failRecord(job, rec.ID, err)
			continue
		}

		packStart := time.Now()
		blob, sum, err := e.arch.Pack(payload)
		if err != nil {
			e.failRecord(job, rec.ID, err)
			continue
		}
		metrics.PackDuration.Observe(time.Since(packStart).Seconds())

		if sum != rec.Checksum {
			e.failRecord(job, rec.ID, &types.IntegrityError{
				RecordID: rec.ID, Want: rec.Checksum, Got: sum,
			})
			continue
		}

		if err := e.checkCapacity(ctx, dst, int64(len(blob)), inFlight); err != nil {
			// Destination is full: everything not yet transferred fails,
			// and no source copy is touched for those records.
			for _, rest := range candidates[i:] {
				if job.Records[rest.ID].Phase == types.PhaseSelected {
					e.failRecord(job, rest.ID, err)
				}
			}
			return false
		}

		if err := withRetry(ctx, func() error {
			return dst.Backend.Put(ctx, rec.ID, blob, sum)
		}); err != nil {
			e.failRecord(job, rec.ID, err)
			continue
		}

		inFlight += int64(len(blob))
		blobSizes[rec.ID] = int64(len(blob))
		job.Records[rec.ID] = types.RecordResult{Phase: types.PhaseTransferred}
		e.saveJob(ctx, job)
	}
	return false
}

// verifyPhase re-reads every transferred blob from the destination and
// recomputes its plaintext checksum. A mismatch fails that record only;
// sibling records continue.
func (e *Engine) verifyPhase(ctx context.Context, job *types.MigrationJob, dst *registry.TierInfo, candidates []types.Record, blobSizes map[string]int64) {
	job.Status = types.JobVerifying
	e.saveJob(ctx, job)

	for _, rec := range candidates {
		if job.Records[rec.ID].Phase != types.PhaseTransferred {
			continue
		}

		blob, err := getWithRetry(ctx, dst.Backend, rec.ID)
		if err != nil {
			e.failRecord(job, rec.ID, fmt.Errorf("re-reading destination copy: %w", err))
			continue
		}

		_, sum, err := e.arch.Unpack(blob)
		if err != nil {
			e.failRecord(job, rec.ID, &types.IntegrityError{RecordID: rec.ID, Want: rec.Checksum})
			continue
		}
		if sum != rec.Checksum {
			e.failRecord(job, rec.ID, &types.IntegrityError{
				RecordID: rec.ID, Want: rec.Checksum, Got: sum,
			})
			continue
		}

		job.Records[rec.ID] = types.RecordResult{Phase: types.PhaseVerified}
		e.saveJob(ctx, job)
	}
}

// commitPhase deletes verified records from the source. This runs only
// after verification, which is the core durability invariant.
func (e *Engine) commitPhase(ctx context.Context, job *types.MigrationJob, src *registry.TierInfo, candidates []types.Record, blobSizes map[string]int64) {
	job.Status = types.JobCommitting
	e.saveJob(ctx, job)

	for _, rec := range candidates {
		if job.Records[rec.ID].Phase != types.PhaseVerified {
			continue
		}
		if err := e.commitRecord(ctx, job, rec, blobSizes[rec.ID], src); err != nil {
			// The record still exists in both tiers; a resumed job will
			// re-delete the source copy.
			e.failRecord(job, rec.ID, err)
			continue
		}
		job.Records[rec.ID] = types.RecordResult{Phase: types.PhaseCommitted}
		e.saveJob(ctx, job)

		metrics.MigrationRecords.WithLabelValues(job.Source.String(), job.Dest.String(), "committed").Inc()
		metrics.MigrationBytes.WithLabelValues(job.Source.String(), job.Dest.String()).
			Add(float64(blobSizes[rec.ID]))
	}
}

func (e *Engine) commitRecord(ctx context.Context, job *types.MigrationJob, rec types.Record, blobSize int64, src *registry.TierInfo) error {
	if err := src.Backend.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("deleting source copy: %w", err)
	}
	if err := e.meta.SetRecordTier(ctx, rec.ID, job.Dest, blobSize); err != nil {
		return fmt.Errorf("updating record tier: %w", err)
	}
	if err := e.meta.AddUsage(ctx, job.Source, -rec.StoredSize); err != nil {
		return err
	}
	return e.meta.AddUsage(ctx, job.Dest, blobSize)
}

func (e *Engine) readPayload(ctx context.Context, src *registry.TierInfo, rec types.Record) ([]byte, error) {
	blob, err := getWithRetry(ctx, src.Backend, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("reading source copy: %w", err)
	}
	if !src.Packed {
		return blob, nil
	}
	payload, sum, err := e.arch.Unpack(blob)
	if err != nil {
		return nil, &types.IntegrityError{RecordID: rec.ID, Want: rec.Checksum}
	}
	if sum != rec.Checksum {
		return nil, &types.IntegrityError{RecordID: rec.ID, Want: rec.Checksum, Got: sum}
	}
	return payload, nil
}

func (e *Engine) checkCapacity(ctx context.Context, dst *registry.TierInfo, need, inFlight int64) error {
	if dst.Capacity <= 0 {
		return nil
	}
	used, err := e.meta.Usage(ctx, dst.Tier)
	if err != nil {
		return err
	}
	free := dst.Capacity - used - inFlight
	if need > free {
		return &types.CapacityError{Tier: dst.Tier, Needed: need, Free: free}
	}
	return nil
}

// transientAttempts bounds retries of backend calls that fail with a
// types.TransientError. Other errors fail the record immediately.
const transientAttempts = 3

func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !types.IsTransient(err) || attempt == transientAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
}

func getWithRetry(ctx context.Context, b backend.Backend, id string) ([]byte, error) {
	var blob []byte
	err := withRetry(ctx, func() error {
		var err error
		blob, err = b.Get(ctx, id)
		return err
	})
	return blob, err
}

func (e *Engine) failRecord(job *types.MigrationJob, id string, err error) {
	job.Records[id] = types.RecordResult{Phase: types.PhaseFailed, Error: err.Error()}
	metrics.MigrationRecords.WithLabelValues(job.Source.String(), job.Dest.String(), "failed").Inc()
	e.logger.Warn("record migration failed",
		zap.String("job_id", job.ID),
		zap.String("record_id", id),
		zap.Error(err),
	)
}

func (e *Engine) fail(ctx context.Context, job *types.MigrationJob, err error) error {
	job.Status = types.JobFailed
	job.CompletedAt = time.Now()
	e.saveJob(ctx, job)
	metrics.MigrationJobs.WithLabelValues(job.Source.String(), job.Dest.String(), "failed").Inc()
	e.publishResult(ctx, job, 0, len(job.Records))
	return err
}

func (e *Engine) saveJob(ctx context.Context, job *types.MigrationJob) {
	if err := e.meta.SaveJob(ctx, *job); err != nil {
		e.logger.Error("failed to journal job state",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (e *Engine) publishResult(ctx context.Context, job *types.MigrationJob, committed, failed int) {
	data := map[string]string{
		"job_id":    job.ID,
		"source":    job.Source.String(),
		"dest":      job.Dest.String(),
		"committed": strconv.Itoa(committed),
		"failed":    strconv.Itoa(failed),
	}

	evType := events.MigrationCompleted
	if job.Status == types.JobFailed {
		evType = events.MigrationFailed
	}
	if err := e.events.Publish(ctx, events.Event{Type: evType, Time: time.Now(), Data: data}); err != nil {
		e.logger.Warn("failed to publish migration event", zap.Error(err))
	}

	// Record-level failures in an otherwise completed job are still
	// surfaced as an alert.
	if job.Status == types.JobCompleted && failed > 0 {
		if err := e.events.Publish(ctx, events.Event{
			Type: events.MigrationFailed, Time: time.Now(), Data: data,
		}); err != nil {
			e.logger.Warn("failed to publish migration event", zap.Error(err))
		}
	}
}
