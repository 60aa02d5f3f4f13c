package scheduler

import (
	"context"

	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/zap"
)

// RecoverSyncJob returns sync messages whose lease lapsed to the ready list and publishes
// the backlog. A worker that died mid-batch otherwise strands its leased messages until
// another worker happens to reclaim them.
func (s *Scheduler) RecoverSyncJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobRecoverSync, 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	moved, ready, reserved, err := s.reconciler.Recover(ctx)
	if err != nil {
		s.jobError(ctx, "scheduler.sync.recover.failed", entdomain.Scope{}, err)
		return err
	}
	obsmetrics.Scheduler().SetSyncBacklog(ready, reserved)
	run.AddProcessed(moved)
	if moved > 0 {
		obsmetrics.Scheduler().AddBatchProcessed(jobRecoverSync, "sync_messages", moved)
		s.logger(ctx).Warn("scheduler.sync.reclaimed",
			zap.Int("moved", moved),
			zap.Int64("ready", ready),
			zap.Int64("reserved", reserved),
		)
	}
	return nil
}
