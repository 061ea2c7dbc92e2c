package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/strataops/strata/internal/registry"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// Recover finishes the durable half of any job interrupted by a crash.
// Records whose destination copy was already verified are safely
// re-committed: the source copy is deleted again (idempotent) and the
// metadata is moved. Records that never reached verification are left
// in the source tier untouched; the next trigger retries them. The
// interrupted job itself ends failed with a partial-completion list.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.meta.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}

	for _, job := range jobs {
		job := job
		e.logger.Info("recovering interrupted migration job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)

		srcInfo, err := e.reg.Info(job.Source)
		if err != nil {
			return err
		}

		for id, res := range job.Records {
			switch res.Phase {
			case types.PhaseVerified:
				if err := e.recoverVerified(ctx, &job, id, srcInfo); err != nil {
					e.logger.Error("failed to recover verified record",
						zap.String("job_id", job.ID),
						zap.String("record_id", id),
						zap.Error(err),
					)
					job.Records[id] = types.RecordResult{Phase: types.PhaseFailed, Error: err.Error()}
				}
			case types.PhaseSelected, types.PhaseTransferred:
				// Present in the source (and possibly as an unverified
				// destination copy that a retry will overwrite). Retried
				// by the next trigger.
				job.Records[id] = types.RecordResult{
					Phase: types.PhaseFailed,
					Error: "interrupted before verification",
				}
			}
		}

		job.Status = types.JobFailed
		job.CompletedAt = time.Now()
		if err := e.meta.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("journaling recovered job: %w", err)
		}
	}

	return nil
}

func (e *Engine) recoverVerified(ctx context.Context, job *types.MigrationJob, id string, srcInfo *registry.TierInfo) error {
	rec, err := e.meta.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	// The record may already have been committed before the crash, in
	// which case the metadata points at the destination and there is
	// nothing left to do.
	if rec.Tier == job.Dest {
		exists, err := srcInfo.Backend.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			if err := srcInfo.Backend.Delete(ctx, id); err != nil {
				return err
			}
		}
		job.Records[id] = types.RecordResult{Phase: types.PhaseCommitted}
		return nil
	}

	// Destination copy is verified; deleting the source is safe and
	// must not duplicate the destination write.
	dstInfo, err := e.reg.Info(job.Dest)
	if err != nil {
		return err
	}
	blob, err := dstInfo.Backend.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("re-reading verified destination copy: %w", err)
	}

	if err := e.commitRecord(ctx, job, *rec, int64(len(blob)), srcInfo); err != nil {
		return err
	}
	job.Records[id] = types.RecordResult{Phase: types.PhaseCommitted}

	e.logger.Info("re-committed record after restart",
		zap.String("job_id", job.ID),
		zap.String("record_id", id),
	)
	return nil
}
