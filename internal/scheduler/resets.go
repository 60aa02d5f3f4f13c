package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/reset"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/scheduler/guard"
	"go.uber.org/zap"
)

// ResetEntitlementsJob moves every due entitlement into its current interval, one customer
// at a time under the customer lock.
func (s *Scheduler) ResetEntitlementsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobResetEntitlements, s.cfg.ResetBatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	visited := map[entdomain.Scope]struct{}{}
	var cursor *entdomain.DueCursor
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		scopes, next, err := s.fetchDueScopes(ctx, s.clock.Now(), cursor, visited)
		if err != nil {
			s.jobError(ctx, "scheduler.reset.fetch.failed", entdomain.Scope{}, err)
			return errors.Join(jobErr, err)
		}
		if next == nil {
			break
		}
		cursor = next

		for _, scope := range scopes {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			applied, skipped, claimed, err := s.resetCustomer(ctx, scope)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.jobError(ctx, "scheduler.reset.failed", scope, err)
				continue
			}
			if !claimed {
				run.AddDeferred(1)
				schedMetrics.AddBatchDeferred(jobResetEntitlements, obsmetrics.SchedulerBatchDeferredReasonCustomerLocked, 1)
				continue
			}
			run.AddProcessed(applied)
			schedMetrics.AddBatchProcessed(jobResetEntitlements, "entitlements", applied)
			if skipped > 0 {
				schedMetrics.AddBatchDeferred(jobResetEntitlements, obsmetrics.SchedulerBatchDeferredReasonResetSkipped, skipped)
			}
		}
	}

	return jobErr
}

// resetCustomer follows the store path: the cache entry is dropped before the rows are read
// so no fast-path deduction lands on a pre-reset balance. The next read rebuilds the entry.
func (s *Scheduler) resetCustomer(ctx context.Context, scope entdomain.Scope) (applied int, skipped int, claimed bool, err error) {
	release, ok, err := s.claimCustomer(ctx, scope)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	defer release()

	if err := s.cache.Invalidate(ctx, scope); err != nil {
		return 0, 0, true, fmt.Errorf("invalidate balance cache: %w", err)
	}
	rows, err := s.reconciler.Fresh(ctx, scope)
	if err != nil {
		return 0, 0, true, fmt.Errorf("load balances: %w", err)
	}
	templates, err := s.repo.FindTemplates(ctx, s.db, templateIDs(rows))
	if err != nil {
		return 0, 0, true, fmt.Errorf("load templates: %w", err)
	}

	now := s.clock.Now()
	opts := reset.Options{Cap: reset.CapPolicyByName(s.policy.Get().RolloverCap), NewID: s.genID.Generate}
	resets := make([]entdomain.ResetRequest, 0, len(rows))
	for i := range rows {
		var tmpl *entdomain.EntitlementTemplate
		if t, ok := templates[rows[i].TemplateID]; ok {
			tmpl = &t
		}
		if err := guard.EnsureEntitlementCanReset(rows[i], tmpl, now); err != nil {
			if errors.Is(err, guard.ErrMissingTemplate) {
				s.logger(ctx).Warn("scheduler.reset.template_missing",
					zap.String("entitlement_id", idString(rows[i].ID)),
					zap.String("template_id", idString(rows[i].TemplateID)),
				)
			}
			continue
		}
		if req, due := reset.Compute(rows[i], *tmpl, now, opts); due {
			resets = append(resets, req)
		}
	}
	if len(resets) == 0 {
		return 0, 0, true, nil
	}

	result, err := s.repo.ApplyResets(ctx, s.db, resets, now)
	if err != nil {
		return 0, 0, true, fmt.Errorf("apply resets: %w", err)
	}
	s.metrics.RecordResets(ctx, "scheduled", len(result.Applied))
	s.metrics.RecordResets(ctx, "skipped", len(result.Skipped))
	s.logCustomerReset(ctx, scope, len(result.Applied), len(result.Skipped))
	return len(result.Applied), len(result.Skipped), true, nil
}

// ExpireRolloversJob deletes lapsed rollover chunks and drops the cache entries of the
// customers that owned them. Cached chunks carry their expiry, so a late invalidation only
// leaves dead fields behind.
func (s *Scheduler) ExpireRolloversJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobExpireRollovers, s.cfg.RolloverScan)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		owners, err := s.repo.DeleteExpiredRollovers(ctx, s.db, s.clock.Now().UnixMilli(), s.cfg.RolloverScan)
		if err != nil {
			s.jobError(ctx, "scheduler.rollover.expire.failed", entdomain.Scope{}, err)
			return errors.Join(jobErr, err)
		}
		if len(owners) == 0 {
			break
		}

		scopes := make([]entdomain.Scope, 0, len(owners))
		seen := map[entdomain.Scope]struct{}{}
		for _, id := range owners {
			ent, err := s.repo.FindByID(ctx, s.db, id)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.jobError(ctx, "scheduler.rollover.owner.failed", entdomain.Scope{}, err,
					zap.String("entitlement_id", idString(id)),
				)
				continue
			}
			if ent == nil {
				continue
			}
			scope := ent.Scope()
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			scopes = append(scopes, scope)
		}
		for _, scope := range scopes {
			if err := s.cache.Invalidate(ctx, scope); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.jobError(ctx, "scheduler.cache.invalidate.failed", scope, err)
			}
		}

		run.AddProcessed(len(owners))
		schedMetrics.AddBatchProcessed(jobExpireRollovers, "entitlements", len(owners))
	}

	return jobErr
}

func templateIDs(rows []entdomain.CustomerEntitlement) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(rows))
	seen := map[snowflake.ID]struct{}{}
	for i := range rows {
		if _, ok := seen[rows[i].TemplateID]; ok {
			continue
		}
		seen[rows[i].TemplateID] = struct{}{}
		ids = append(ids, rows[i].TemplateID)
	}
	return ids
}
