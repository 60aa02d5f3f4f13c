package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/reconciler"
	"github.com/smallbiznis/entitlements/internal/balancecache"
	"github.com/smallbiznis/entitlements/internal/entitlement/deduction"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/reset"
	"github.com/smallbiznis/entitlements/internal/lock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// storeView is the store state of one customer with the undelivered cache deltas folded in.
type storeView struct {
	scope     entdomain.Scope
	now       time.Time
	details   domain.Details
	rows      []entdomain.CustomerEntitlement
	templates map[snowflake.ID]entdomain.EntitlementTemplate
	features  map[string]entdomain.Feature
}

func (v *storeView) nowMs() int64 {
	return v.now.UnixMilli()
}

// featureIDs lists the features the customer holds rows for.
func (v *storeView) featureIDs() []string {
	seen := map[string]struct{}{}
	ids := make([]string, 0)
	for i := range v.rows {
		id := v.rows[i].FeatureID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// resolved bundles the rows of one feature. A feature without a definition row is served
// as a plain metered feature.
func (v *storeView) resolved(featureID string) (entdomain.Resolved, bool) {
	res := entdomain.Resolved{Templates: v.templates}
	for i := range v.rows {
		if v.rows[i].FeatureID == featureID {
			res.Entitlements = append(res.Entitlements, v.rows[i])
		}
	}
	if len(res.Entitlements) == 0 {
		return entdomain.Resolved{}, false
	}
	feature, ok := v.features[featureID]
	if !ok {
		feature = entdomain.Feature{
			ID:          featureID,
			OrgID:       v.scope.OrgID,
			Environment: v.scope.Environment,
			Kind:        entdomain.FeatureKindSingleUse,
		}
	}
	res.Feature = feature
	return res, true
}

// credit returns the credit feature covering feature's shortfall, if the customer holds it.
func (v *storeView) credit(feature entdomain.Feature) *deduction.Credit {
	link := feature.PrimaryCreditLink()
	if link == nil {
		return nil
	}
	res, ok := v.resolved(link.CreditFeatureID)
	if !ok {
		return nil
	}
	return &deduction.Credit{
		FeatureID: link.CreditFeatureID,
		Rate:      link.CreditCost,
		Sources:   deduction.BuildSources(res, "", v.nowMs()),
	}
}

func (v *storeView) cacheSnapshot() balancecache.Snapshot {
	snap := balancecache.Snapshot{Scope: v.scope, Details: v.details, Now: v.now}
	for _, id := range v.featureIDs() {
		res, _ := v.resolved(id)
		snap.Features = append(snap.Features, balancecache.FeatureState{
			Resolved:    res,
			ForceReject: deduction.EffectiveOverage(res.Feature, anyPaid(res), entdomain.OverageCap) == entdomain.OverageReject,
		})
	}
	return snap
}

// snapshot summarizes every feature the way the cache reports it.
func (v *storeView) snapshot() domain.Snapshot {
	out := domain.Snapshot{
		Scope:    v.scope,
		Details:  v.details,
		Features: map[string]domain.FeatureBalance{},
		Source:   domain.PathStore,
	}
	for _, id := range v.featureIDs() {
		res, _ := v.resolved(id)
		sources := deduction.BuildSources(res, "", v.nowMs())
		fb := domain.FeatureBalance{FeatureID: id}
		for _, src := range sources.Primary {
			if src.Kind == entdomain.SourceRollover {
				fb.Rollover += src.Balance
			} else {
				fb.Balance += src.Balance
			}
			fb.Total += src.Balance
		}
		for _, src := range sources.Additional {
			fb.Additional += src.Balance
			fb.Total += src.Balance
		}
		for i := range res.Entitlements {
			at := res.Entitlements[i].NextResetAt
			if at != nil && (fb.NextResetAt == nil || *at < *fb.NextResetAt) {
				next := *at
				fb.NextResetAt = &next
			}
		}
		out.Features[id] = fb
	}
	return out
}

// locked serializes fn with every other store mutation of the customer. The cache entry is
// dropped first so no fast-path deduction runs concurrently, and rebuilt afterwards from
// the state fn left behind. The rebuilt view is returned; it is nil when rebuilding failed.
// A nil fn only resets due rows and rebuilds the cache.
func (s *Service) locked(ctx context.Context, scope entdomain.Scope, fn func(ctx context.Context, view *storeView) error) (*storeView, error) {
	key := lock.CustomerKey(scope)
	token, err := s.locker.Acquire(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	defer s.locker.Release(context.WithoutCancel(ctx), key, token)

	details := s.cachedDetails(ctx, scope)
	if err := s.cache.Invalidate(ctx, scope); err != nil {
		return nil, fmt.Errorf("invalidate balance cache: %w", err)
	}

	view, err := s.prepare(ctx, scope)
	if err != nil {
		return nil, err
	}

	var fnErr error
	if fn != nil {
		fnErr = fn(ctx, view)
		view, err = s.load(ctx, scope)
		if err != nil {
			s.log.Warn("reload after store write failed, cache left empty",
				zap.String("customer_id", scope.CustomerID.String()),
				zap.Error(err),
			)
			if fnErr != nil {
				return nil, fnErr
			}
			return nil, nil
		}
	}
	view.details = details

	if _, err := s.cache.Hydrate(ctx, view.cacheSnapshot(), ""); err != nil {
		s.log.Warn("cache hydrate failed",
			zap.String("customer_id", scope.CustomerID.String()),
			zap.Error(err),
		)
	}
	return view, fnErr
}

// prepare loads the fresh view and resets rows whose interval elapsed.
func (s *Service) prepare(ctx context.Context, scope entdomain.Scope) (*storeView, error) {
	view, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	n, err := s.resetDue(ctx, view)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return view, nil
	}
	return s.load(ctx, scope)
}

func (s *Service) resetDue(ctx context.Context, view *storeView) (int, error) {
	policy := s.policy.Get()
	opts := reset.Options{Cap: reset.CapPolicyByName(policy.RolloverCap), NewID: s.genID.Generate}

	var resets []entdomain.ResetRequest
	for i := range view.rows {
		tmpl, ok := view.templates[view.rows[i].TemplateID]
		if !ok {
			continue
		}
		if req, due := reset.Compute(view.rows[i], tmpl, view.now, opts); due {
			resets = append(resets, req)
		}
	}
	if len(resets) == 0 {
		return 0, nil
	}

	result, err := s.repo.ApplyResets(ctx, s.db, resets, view.now)
	if err != nil {
		return 0, fmt.Errorf("lazy reset: %w", err)
	}
	s.metrics.RecordResets(ctx, "lazy", len(result.Applied))
	if len(result.Skipped) > 0 {
		s.metrics.RecordResets(ctx, "skipped", len(result.Skipped))
	}
	s.log.Info("reset due entitlements",
		zap.String("customer_id", view.scope.CustomerID.String()),
		zap.Int("applied", len(result.Applied)),
		zap.Int("skipped", len(result.Skipped)),
	)
	return len(result.Applied) + len(result.Skipped), nil
}

// load reads the queue before the store: a message applied in between is then either in
// the rows or filtered out by the applied-message table read in the same transaction.
func (s *Service) load(ctx context.Context, scope entdomain.Scope) (*storeView, error) {
	queued, err := s.reconciler.Queued(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read sync queue: %w", err)
	}

	view := &storeView{
		scope:    scope,
		now:      s.clock.Now(),
		features: map[string]entdomain.Feature{},
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.ListByCustomer(ctx, tx, scope)
		if err != nil {
			return err
		}
		pending, err := s.reconciler.Pending(ctx, tx, queued)
		if err != nil {
			return err
		}
		view.rows = reconciler.Overlay(rows, pending)

		templateIDs := make([]snowflake.ID, 0, len(rows))
		seen := map[snowflake.ID]struct{}{}
		for i := range rows {
			if _, ok := seen[rows[i].TemplateID]; ok {
				continue
			}
			seen[rows[i].TemplateID] = struct{}{}
			templateIDs = append(templateIDs, rows[i].TemplateID)
		}
		if view.templates, err = s.repo.FindTemplates(ctx, tx, templateIDs); err != nil {
			return err
		}

		for _, id := range view.featureIDs() {
			feature, err := s.repo.FindFeature(ctx, tx, scope.OrgID, scope.Environment, id)
			if err != nil {
				return err
			}
			if feature != nil {
				view.features[id] = *feature
			}
		}
		return nil
	}, snapshotTx(s.db))
	if err != nil {
		return nil, err
	}
	return view, nil
}

// snapshotTx reads rows and applied-message ids from one snapshot where the dialect has one.
func snapshotTx(db *gorm.DB) *sql.TxOptions {
	if db.Dialector.Name() == "postgres" {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

// commit writes the planned changes as increments on the stored rows, so deltas still in
// the sync queue stay valid. A concurrent reconciler write makes it start over.
func (s *Service) commit(ctx context.Context, now time.Time, changes []deduction.Change) error {
	byRow := map[snowflake.ID][]entdomain.SyncMessage{}
	ids := make([]snowflake.ID, 0)
	for _, ch := range changes {
		if ch.Deducted == 0 && ch.AdjustmentDelta == 0 {
			continue
		}
		id := ch.Source.EntitlementID
		if _, ok := byRow[id]; !ok {
			ids = append(ids, id)
		}
		byRow[id] = append(byRow[id], entdomain.SyncMessage{
			EntitlementID:   id,
			FeatureID:       ch.Source.FeatureID,
			Source:          ch.Source.Kind,
			EntityID:        ch.Source.EntityID,
			RolloverID:      ch.Source.RolloverID,
			Delta:           -ch.Deducted,
			AdjustmentDelta: ch.AdjustmentDelta,
		})
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var err error
	for attempt := 0; attempt < s.writeRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, id := range ids {
				if err := s.writeRow(ctx, tx, id, byRow[id], now); err != nil {
					return err
				}
			}
			return nil
		})
		if !errors.Is(err, entdomain.ErrVersionConflict) {
			return err
		}
		s.log.Debug("balance write conflicted, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}

func (s *Service) writeRow(ctx context.Context, tx *gorm.DB, id snowflake.ID, deltas []entdomain.SyncMessage, now time.Time) error {
	row, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return entdomain.NewError(entdomain.KindNotFound, "", fmt.Errorf("%w: %s", entdomain.ErrEntitlementNotFound, id))
	}

	var touched []entdomain.Rollover
	index := map[snowflake.ID]int{}
	for _, msg := range deltas {
		ro, ok := row.ApplyDelta(msg)
		if !ok {
			// the chunk expired and was removed after the plan was made
			continue
		}
		if ro == nil {
			continue
		}
		if i, seen := index[ro.ID]; seen {
			touched[i] = *ro
			continue
		}
		index[ro.ID] = len(touched)
		touched = append(touched, *ro)
	}

	return s.repo.UpdateBalances(ctx, tx, entdomain.BalanceUpdate{
		EntitlementID:     row.ID,
		ExpectedVersion:   row.Version,
		Balance:           row.Balance,
		AdditionalBalance: row.AdditionalBalance,
		Adjustment:        row.Adjustment,
		Entities:          row.EntityMap(),
		Rollovers:         touched,
		UpdatedAt:         now,
	})
}

// cachedDetails keeps descriptive fields across a cache rebuild.
func (s *Service) cachedDetails(ctx context.Context, scope entdomain.Scope) domain.Details {
	details, err := s.cache.GetCachedDetails(ctx, scope)
	if err != nil && !errors.Is(err, balancecache.ErrNotCached) {
		s.log.Warn("read cached details failed", zap.String("customer_id", scope.CustomerID.String()), zap.Error(err))
	}
	return details
}
