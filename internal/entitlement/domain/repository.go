package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SourceKind names the balance pool a delta belongs to.
type SourceKind string

const (
	SourceBalance    SourceKind = "balance"
	SourceRollover   SourceKind = "rollover"
	SourceAdditional SourceKind = "additional"
)

// SyncMessage is a cache-originated increment waiting to be applied to the store.
type SyncMessage struct {
	ID              string       `json:"id"`
	OrgID           snowflake.ID `json:"orgId"`
	Environment     Environment  `json:"environment"`
	CustomerID      snowflake.ID `json:"customerId"`
	EntityID        string       `json:"entityId,omitempty"`
	FeatureID       string       `json:"featureId"`
	EntitlementID   snowflake.ID `json:"entitlementId"`
	Source          SourceKind   `json:"source"`
	RolloverID      snowflake.ID `json:"rolloverId,omitempty"`
	Delta           float64      `json:"delta,string"`
	AdjustmentDelta float64      `json:"adjustmentDelta,string"`
	SourceTimestamp int64        `json:"sourceTimestamp"`
	// ResetSeq is the reset counter of the row the deducted balance was read from.
	ResetSeq int64 `json:"resetSeq,omitempty"`
}

// Scope returns the owner of the message.
func (m SyncMessage) Scope() Scope {
	return Scope{OrgID: m.OrgID, Environment: m.Environment, CustomerID: m.CustomerID}
}

// SyncOutcome reports what ApplySync did with a message.
type SyncOutcome string

const (
	SyncOutcomeApplied SyncOutcome = "applied"
	SyncDuplicate      SyncOutcome = "duplicate"
	SyncStale          SyncOutcome = "stale"
	SyncOrphaned       SyncOutcome = "orphaned"
)

// DueCursor is the (next_reset_at, id) position of the last due row a caller has seen.
type DueCursor struct {
	NextResetAt int64
	ID          snowflake.ID
}

// ResetRequest is the precomputed post-reset state of one entitlement.
// Additional balance is purchased, not granted, so a reset never rewrites it.
type ResetRequest struct {
	EntitlementID       snowflake.ID
	ExpectedNextResetAt *int64
	Balance             float64
	Adjustment          float64
	Entities            EntityBalances
	NextResetAt         *int64
	LastResetAt         *int64
	ResetAnchorAt       *int64
	RolloverToInsert    *Rollover
	DeleteRolloverIDs   []snowflake.ID
}

// AppliedFields echoes what a reset wrote so callers can refresh derived state.
type AppliedFields struct {
	Balance           float64
	AdditionalBalance float64
	Adjustment        float64
	Entities          EntityBalances
	NextResetAt       *int64
	RolloverID        snowflake.ID
	Version           int64
}

// ResetResult splits a reset batch into applied and skipped rows.
type ResetResult struct {
	Applied map[snowflake.ID]AppliedFields
	Skipped []snowflake.ID
}

// BalanceUpdate is an optimistic write of one entitlement's mutable fields.
type BalanceUpdate struct {
	EntitlementID     snowflake.ID
	ExpectedVersion   int64
	Balance           float64
	AdditionalBalance float64
	Adjustment        float64
	Entities          EntityBalances
	Rollovers         []Rollover
	UpdatedAt         time.Time
}

// Repository persists entitlement balances.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CustomerEntitlement, error)
	ListByFeature(ctx context.Context, db *gorm.DB, scope Scope, featureID string) ([]CustomerEntitlement, error)
	ListByCustomer(ctx context.Context, db *gorm.DB, scope Scope) ([]CustomerEntitlement, error)
	ListDue(ctx context.Context, db *gorm.DB, nowMs int64, after *DueCursor, limit int) ([]CustomerEntitlement, error)
	FindFeature(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env Environment, featureID string) (*Feature, error)
	FindTemplates(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]EntitlementTemplate, error)
	UpdateBalances(ctx context.Context, db *gorm.DB, update BalanceUpdate) error
	ApplyResets(ctx context.Context, db *gorm.DB, resets []ResetRequest, now time.Time) (ResetResult, error)
	ApplySync(ctx context.Context, db *gorm.DB, msg SyncMessage, now time.Time) (SyncOutcome, error)
	AppliedMessageIDs(ctx context.Context, db *gorm.DB, ids []string) (map[string]struct{}, error)
	DeleteExpiredRollovers(ctx context.Context, db *gorm.DB, nowMs int64, limit int) ([]snowflake.ID, error)
	FindTopUpRule(ctx context.Context, db *gorm.DB, scope Scope, featureID string) (*AutoTopUpRule, error)
}

// ApplyDelta folds a sync delta into the row in memory and returns the rollover chunk it
// touched, if any. It reports false when the addressed chunk is not loaded on the row.
func (e *CustomerEntitlement) ApplyDelta(msg SyncMessage) (*Rollover, bool) {
	switch msg.Source {
	case SourceBalance:
		if msg.EntityID != "" {
			entities := e.EntityMap().Clone()
			eb := entities[msg.EntityID]
			eb.Balance += msg.Delta
			eb.Adjustment += msg.AdjustmentDelta
			entities[msg.EntityID] = eb
			e.SetEntityMap(entities)
		} else {
			e.Balance += msg.Delta
			e.Adjustment += msg.AdjustmentDelta
		}
		return nil, true
	case SourceAdditional:
		e.AdditionalBalance += msg.Delta
		return nil, true
	case SourceRollover:
		for i := range e.Rollovers {
			ro := &e.Rollovers[i]
			if ro.ID != msg.RolloverID {
				continue
			}
			if msg.EntityID != "" {
				entities := ro.EntityMap().Clone()
				eb := entities[msg.EntityID]
				eb.Balance += msg.Delta
				entities[msg.EntityID] = eb
				ro.Entities = datatypes.NewJSONType(entities)
			}
			ro.Balance += msg.Delta
			ro.Usage -= msg.Delta
			return ro, true
		}
	}
	return nil, false
}
