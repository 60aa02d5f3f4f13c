package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := r.loadRollovers(ctx, db, rows); err != nil {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) ListByFeature(ctx context.Context, db *gorm.DB, scope domain.Scope, featureID string) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND environment = ? AND customer_id = ? AND feature_id = ?",
			scope.OrgID, scope.Environment, scope.CustomerID, featureID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if err := r.loadRollovers(ctx, db, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, scope domain.Scope) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND environment = ? AND customer_id = ?",
			scope.OrgID, scope.Environment, scope.CustomerID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if err := r.loadRollovers(ctx, db, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListDue pages through due rows in (next_reset_at, id) order, resuming after the cursor.
// It takes no row locks; callers own a customer before resetting its rows.
func (r *repo) ListDue(ctx context.Context, db *gorm.DB, nowMs int64, after *domain.DueCursor, limit int) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	q := db.WithContext(ctx).
		Where("next_reset_at IS NOT NULL AND next_reset_at <= ?", nowMs)
	if after != nil {
		q = q.Where("(next_reset_at > ? OR (next_reset_at = ? AND id > ?))", after.NextResetAt, after.NextResetAt, after.ID)
	}
	err := q.Order("next_reset_at").
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) FindFeature(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env domain.Environment, featureID string) (*domain.Feature, error) {
	var features []domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND environment = ? AND id = ?", orgID, env, featureID).
		Limit(1).
		Find(&features).Error
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}

	feature := features[0]
	err = db.WithContext(ctx).
		Where("org_id = ? AND environment = ? AND feature_id = ?", orgID, env, featureID).
		Order("credit_feature_id").
		Find(&feature.CreditLinks).Error
	if err != nil {
		return nil, err
	}
	return &feature, nil
}

func (r *repo) FindTemplates(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]domain.EntitlementTemplate, error) {
	out := make(map[snowflake.ID]domain.EntitlementTemplate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var templates []domain.EntitlementTemplate
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&templates).Error; err != nil {
		return nil, err
	}
	for _, tmpl := range templates {
		out[tmpl.ID] = tmpl
	}
	return out, nil
}

func (r *repo) UpdateBalances(ctx context.Context, db *gorm.DB, update domain.BalanceUpdate) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE customer_entitlements
		 SET balance = ?, additional_balance = ?, adjustment = ?, entities = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		update.Balance,
		update.AdditionalBalance,
		update.Adjustment,
		datatypes.NewJSONType(update.Entities),
		update.UpdatedAt,
		update.EntitlementID,
		update.ExpectedVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}

	for _, ro := range update.Rollovers {
		err := db.WithContext(ctx).Exec(
			`UPDATE entitlement_rollovers SET balance = ?, usage_amount = ?, entities = ?
			 WHERE id = ? AND entitlement_id = ?`,
			ro.Balance,
			ro.Usage,
			ro.Entities,
			ro.ID,
			update.EntitlementID,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyResets writes every reset in one transaction. A row whose next_reset_at moved since
// the reset was computed is skipped so a racing scheduler cannot reset it twice.
// Additional balance and surviving rollover chunks are left as stored.
func (r *repo) ApplyResets(ctx context.Context, db *gorm.DB, resets []domain.ResetRequest, now time.Time) (domain.ResetResult, error) {
	result := domain.ResetResult{Applied: map[snowflake.ID]domain.AppliedFields{}}
	if len(resets) == 0 {
		return result, nil
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, req := range resets {
			stmt := tx.Model(&domain.CustomerEntitlement{}).Where("id = ?", req.EntitlementID)
			if req.ExpectedNextResetAt == nil {
				stmt = stmt.Where("next_reset_at IS NULL")
			} else {
				stmt = stmt.Where("next_reset_at = ?", *req.ExpectedNextResetAt)
			}
			res := stmt.Updates(map[string]any{
				"balance":         req.Balance,
				"adjustment":      req.Adjustment,
				"entities":        datatypes.NewJSONType(req.Entities),
				"next_reset_at":   req.NextResetAt,
				"last_reset_at":   req.LastResetAt,
				"reset_anchor_at": req.ResetAnchorAt,
				"reset_seq":       gorm.Expr("reset_seq + 1"),
				"version":         gorm.Expr("version + 1"),
				"updated_at":      now,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				result.Skipped = append(result.Skipped, req.EntitlementID)
				continue
			}

			if len(req.DeleteRolloverIDs) > 0 {
				err := tx.Where("entitlement_id = ? AND id IN ?", req.EntitlementID, req.DeleteRolloverIDs).
					Delete(&domain.Rollover{}).Error
				if err != nil {
					return err
				}
			}

			applied := domain.AppliedFields{
				Balance:     req.Balance,
				Adjustment:  req.Adjustment,
				Entities:    req.Entities,
				NextResetAt: req.NextResetAt,
			}
			if req.RolloverToInsert != nil {
				ro := *req.RolloverToInsert
				ro.EntitlementID = req.EntitlementID
				if ro.CreatedAt.IsZero() {
					ro.CreatedAt = now
				}
				if err := tx.Create(&ro).Error; err != nil {
					return err
				}
				applied.RolloverID = ro.ID
			}

			var stored struct {
				AdditionalBalance float64
				Version           int64
			}
			err := tx.Raw(`SELECT additional_balance, version FROM customer_entitlements WHERE id = ?`, req.EntitlementID).
				Scan(&stored).Error
			if err != nil {
				return err
			}
			applied.AdditionalBalance = stored.AdditionalBalance
			applied.Version = stored.Version
			result.Applied[req.EntitlementID] = applied
		}
		return nil
	})
	if err != nil {
		return domain.ResetResult{Applied: map[snowflake.ID]domain.AppliedFields{}}, err
	}
	return result, nil
}

// ApplySync applies one cache-originated increment exactly once.
func (r *repo) ApplySync(ctx context.Context, db *gorm.DB, msg domain.SyncMessage, now time.Time) (domain.SyncOutcome, error) {
	outcome := domain.SyncOutcomeApplied
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.SyncApplied{
			MessageID:     msg.ID,
			EntitlementID: msg.EntitlementID,
			AppliedAt:     now,
		})
		if marker.Error != nil {
			return marker.Error
		}
		if marker.RowsAffected == 0 {
			outcome = domain.SyncDuplicate
			return nil
		}

		var rows []domain.CustomerEntitlement
		if err := tx.Where("id = ?", msg.EntitlementID).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			outcome = domain.SyncOrphaned
			return nil
		}
		ent := rows[0]
		if StaleForRow(&ent, msg) {
			outcome = domain.SyncStale
			return nil
		}

		update := domain.BalanceUpdate{
			EntitlementID:     ent.ID,
			ExpectedVersion:   ent.Version,
			Balance:           ent.Balance,
			AdditionalBalance: ent.AdditionalBalance,
			Adjustment:        ent.Adjustment,
			Entities:          ent.EntityMap().Clone(),
			UpdatedAt:         now,
		}

		switch msg.Source {
		case domain.SourceBalance:
			if msg.EntityID != "" {
				eb := update.Entities[msg.EntityID]
				eb.Balance += msg.Delta
				eb.Adjustment += msg.AdjustmentDelta
				update.Entities[msg.EntityID] = eb
			} else {
				update.Balance += msg.Delta
				update.Adjustment += msg.AdjustmentDelta
			}
		case domain.SourceAdditional:
			update.AdditionalBalance += msg.Delta
		case domain.SourceRollover:
			var chunks []domain.Rollover
			err := tx.Where("id = ? AND entitlement_id = ?", msg.RolloverID, ent.ID).Limit(1).Find(&chunks).Error
			if err != nil {
				return err
			}
			if len(chunks) == 0 {
				outcome = domain.SyncOrphaned
				return nil
			}
			ro := chunks[0]
			if msg.EntityID != "" {
				entities := ro.EntityMap().Clone()
				eb := entities[msg.EntityID]
				eb.Balance += msg.Delta
				entities[msg.EntityID] = eb
				ro.Entities = datatypes.NewJSONType(entities)
			}
			ro.Balance += msg.Delta
			ro.Usage -= msg.Delta
			update.Rollovers = []domain.Rollover{ro}
		default:
			return domain.NewError(domain.KindSyncApplyFailure, "", errors.New("unknown sync source "+string(msg.Source)))
		}

		return r.UpdateBalances(ctx, tx, update)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// StaleForRow reports whether msg was deducted from a period the row has since reset past.
// Only current-period balances are reset; additional balance and rollovers persist.
func StaleForRow(ent *domain.CustomerEntitlement, msg domain.SyncMessage) bool {
	if msg.Source != domain.SourceBalance {
		return false
	}
	return msg.ResetSeq < ent.ResetSeq
}

func (r *repo) AppliedMessageIDs(ctx context.Context, db *gorm.DB, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []string
	err := db.WithContext(ctx).Model(&domain.SyncApplied{}).
		Where("message_id IN ?", ids).
		Pluck("message_id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r *repo) DeleteExpiredRollovers(ctx context.Context, db *gorm.DB, nowMs int64, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []domain.Rollover
		err := skipLocked(tx).
			Select("id", "entitlement_id").
			Where("expires_at IS NOT NULL AND expires_at <= ?", nowMs).
			Order("expires_at").
			Order("id").
			Limit(limit).
			Find(&expired).Error
		if err != nil || len(expired) == 0 {
			return err
		}

		chunkIDs := make([]snowflake.ID, 0, len(expired))
		owners := map[snowflake.ID]struct{}{}
		for _, ro := range expired {
			chunkIDs = append(chunkIDs, ro.ID)
			if _, seen := owners[ro.EntitlementID]; !seen {
				owners[ro.EntitlementID] = struct{}{}
				ids = append(ids, ro.EntitlementID)
			}
		}
		if err := tx.Where("id IN ?", chunkIDs).Delete(&domain.Rollover{}).Error; err != nil {
			return err
		}
		return tx.Model(&domain.CustomerEntitlement{}).
			Where("id IN ?", ids).
			Update("version", gorm.Expr("version + 1")).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) FindTopUpRule(ctx context.Context, db *gorm.DB, scope domain.Scope, featureID string) (*domain.AutoTopUpRule, error) {
	var rules []domain.AutoTopUpRule
	err := db.WithContext(ctx).
		Where("org_id = ? AND environment = ? AND customer_id = ? AND feature_id = ?",
			scope.OrgID, scope.Environment, scope.CustomerID, featureID).
		Order("id").
		Limit(1).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

func (r *repo) loadRollovers(ctx context.Context, db *gorm.DB, rows []domain.CustomerEntitlement) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, 0, len(rows))
	index := make(map[snowflake.ID]int, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
		index[rows[i].ID] = i
		rows[i].Rollovers = nil
	}

	var chunks []domain.Rollover
	if err := db.WithContext(ctx).Where("entitlement_id IN ?", ids).Order("id").Find(&chunks).Error; err != nil {
		return err
	}
	for _, ro := range chunks {
		i := index[ro.EntitlementID]
		rows[i].Rollovers = append(rows[i].Rollovers, ro)
	}
	for i := range rows {
		domain.SortRollovers(rows[i].Rollovers)
	}
	return nil
}

// skipLocked adds FOR UPDATE SKIP LOCKED on dialects with row locks.
func skipLocked(db *gorm.DB) *gorm.DB {
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return db
}
