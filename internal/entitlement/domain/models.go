// Package domain contains persistence models and contracts for customer entitlement balances.
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Environment separates live and sandbox balances of the same tenant.
type Environment string

const (
	EnvironmentLive    Environment = "live"
	EnvironmentSandbox Environment = "sandbox"
)

// Scope identifies the owner of a set of balances.
type Scope struct {
	OrgID       snowflake.ID
	Environment Environment
	CustomerID  snowflake.ID
}

func (s Scope) Valid() bool {
	return s.OrgID != 0 && s.CustomerID != 0 && strings.TrimSpace(string(s.Environment)) != ""
}

// Interval is the reset cadence of an entitlement template.
type Interval string

const (
	IntervalMinute     Interval = "minute"
	IntervalHour       Interval = "hour"
	IntervalDay        Interval = "day"
	IntervalWeek       Interval = "week"
	IntervalMonth      Interval = "month"
	IntervalQuarter    Interval = "quarter"
	IntervalSemiAnnual Interval = "semi_annual"
	IntervalYear       Interval = "year"
	IntervalLifetime   Interval = "lifetime"
)

// FeatureKind controls how a feature may be consumed.
type FeatureKind string

const (
	FeatureKindSingleUse     FeatureKind = "single_use"
	FeatureKindContinuousUse FeatureKind = "continuous_use"
	FeatureKindCreditSystem  FeatureKind = "credit_system"
	FeatureKindBoolean       FeatureKind = "boolean"
)

// OverageBehaviour decides what happens to the part of a deduction that cannot be satisfied.
type OverageBehaviour string

const (
	OverageCap    OverageBehaviour = "cap"
	OverageReject OverageBehaviour = "reject"
)

// Precedence orders additional balance against the credit system fallback.
type Precedence string

const (
	PrecedenceAdditionalFirst Precedence = "additional_first"
	PrecedenceCreditFirst     Precedence = "credit_first"
)

// EntityBalance is the per-entity slice of an entity-scoped entitlement.
type EntityBalance struct {
	Balance    float64 `json:"balance"`
	Adjustment float64 `json:"adjustment"`
}

// EntityBalances maps entity id to its balance.
type EntityBalances map[string]EntityBalance

// IDs returns the entity ids in a stable order.
func (e EntityBalances) IDs() []string {
	ids := make([]string, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy so callers can mutate without touching the loaded row.
func (e EntityBalances) Clone() EntityBalances {
	if e == nil {
		return nil
	}
	out := make(EntityBalances, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// CustomerEntitlement holds the live balances of one feature for one customer product.
type CustomerEntitlement struct {
	ID                snowflake.ID                        `gorm:"primaryKey"`
	OrgID             snowflake.ID                        `gorm:"not null;index:ix_customer_entitlements_owner,priority:1"`
	Environment       Environment                         `gorm:"type:text;not null;index:ix_customer_entitlements_owner,priority:2"`
	CustomerID        snowflake.ID                        `gorm:"not null;index:ix_customer_entitlements_owner,priority:3"`
	CustomerProductID snowflake.ID                        `gorm:"not null;index"`
	FeatureID         string                              `gorm:"type:text;not null;index:ix_customer_entitlements_owner,priority:4"`
	TemplateID        snowflake.ID                        `gorm:"not null"`
	Balance           float64                             `gorm:"not null;default:0"`
	AdditionalBalance float64                             `gorm:"not null;default:0"`
	Adjustment        float64                             `gorm:"not null;default:0"`
	Entities          datatypes.JSONType[EntityBalances]  `gorm:"type:jsonb"`
	NextResetAt       *int64                              `gorm:"index"`
	LastResetAt       *int64                              `gorm:""`
	ResetSeq          int64                               `gorm:"not null;default:0"`
	ResetAnchorAt     *int64                              `gorm:""`
	Version           int64                               `gorm:"not null;default:0"`
	CreatedAt         time.Time                           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time                           `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Rollovers []Rollover `gorm:"-"`
}

// TableName sets the database table name.
func (CustomerEntitlement) TableName() string { return "customer_entitlements" }

// EntityMap returns the entity balances, never nil.
func (e *CustomerEntitlement) EntityMap() EntityBalances {
	data := e.Entities.Data()
	if data == nil {
		return EntityBalances{}
	}
	return data
}

// SetEntityMap replaces the entity balances.
func (e *CustomerEntitlement) SetEntityMap(entities EntityBalances) {
	e.Entities = datatypes.NewJSONType(entities)
}

// Scope returns the owner of the row.
func (e *CustomerEntitlement) Scope() Scope {
	return Scope{OrgID: e.OrgID, Environment: e.Environment, CustomerID: e.CustomerID}
}

// ResetDue reports whether the row's interval elapsed at now (epoch ms).
func (e *CustomerEntitlement) ResetDue(nowMs int64) bool {
	return e.NextResetAt != nil && *e.NextResetAt <= nowMs
}

// Rollover is unused balance carried over from a past period.
type Rollover struct {
	ID            snowflake.ID                       `gorm:"primaryKey"`
	EntitlementID snowflake.ID                       `gorm:"not null;index"`
	Balance       float64                            `gorm:"not null;default:0"`
	Usage         float64                            `gorm:"column:usage_amount;not null;default:0"`
	ExpiresAt     *int64                             `gorm:""`
	Entities      datatypes.JSONType[EntityBalances] `gorm:"type:jsonb"`
	CreatedAt     time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Rollover) TableName() string { return "entitlement_rollovers" }

// EntityMap returns the rollover's entity balances, never nil.
func (r *Rollover) EntityMap() EntityBalances {
	data := r.Entities.Data()
	if data == nil {
		return EntityBalances{}
	}
	return data
}

// Expired reports whether the chunk can no longer be consumed at now (epoch ms).
func (r *Rollover) Expired(nowMs int64) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt <= nowMs
}

// SortRollovers orders chunks soonest-expiring first; chunks without expiry go last.
func SortRollovers(rollovers []Rollover) {
	sort.SliceStable(rollovers, func(i, j int) bool {
		a, b := rollovers[i].ExpiresAt, rollovers[j].ExpiresAt
		switch {
		case a == nil && b == nil:
			return rollovers[i].ID < rollovers[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a < *b
		default:
			return rollovers[i].ID < rollovers[j].ID
		}
	})
}

// EntitlementTemplate is the plan-level definition a customer entitlement is seeded from.
type EntitlementTemplate struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	OrgID                 snowflake.ID `gorm:"not null;index"`
	FeatureID             string       `gorm:"type:text;not null"`
	Allowance             float64      `gorm:"not null;default:0"`
	Interval              Interval     `gorm:"type:text;not null"`
	IntervalCount         int          `gorm:"not null;default:1"`
	UsageAllowed          bool         `gorm:"not null;default:false"`
	UsageLimit            *float64     `gorm:""`
	EntityFeatureID       string       `gorm:"type:text;not null;default:''"`
	Paid                  bool         `gorm:"not null;default:false"`
	RolloverEnabled       bool         `gorm:"not null;default:false"`
	RolloverMax           *float64     `gorm:""`
	RolloverMaxPercent    *float64     `gorm:""`
	RolloverMaxPeriods    int          `gorm:"not null;default:0"`
	RolloverDuration      Interval     `gorm:"type:text;not null;default:'month'"`
	RolloverDurationCount int          `gorm:"not null;default:1"`
	CreatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (EntitlementTemplate) TableName() string { return "entitlement_templates" }

// EntityScoped reports whether balances are tracked per entity.
func (t EntitlementTemplate) EntityScoped() bool {
	return strings.TrimSpace(t.EntityFeatureID) != ""
}

// MinBalance is the floor a current-period balance may reach; nil means unbounded overage.
func (t EntitlementTemplate) MinBalance() *float64 {
	if !t.UsageAllowed {
		zero := 0.0
		return &zero
	}
	if t.UsageLimit == nil {
		return nil
	}
	floor := -*t.UsageLimit
	return &floor
}

// Feature is the resolved feature definition supplied by the plan layer.
type Feature struct {
	ID          string       `gorm:"primaryKey;type:text"`
	OrgID       snowflake.ID `gorm:"primaryKey"`
	Environment Environment  `gorm:"primaryKey;type:text"`
	Name        string       `gorm:"type:text;not null;default:''"`
	Kind        FeatureKind  `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`

	CreditLinks []CreditLink `gorm:"-"`
}

// TableName sets the database table name.
func (Feature) TableName() string { return "features" }

// PrimaryCreditLink is the credit feature that covers a shortfall; the lowest id wins.
func (f Feature) PrimaryCreditLink() *CreditLink {
	var best *CreditLink
	for i := range f.CreditLinks {
		link := &f.CreditLinks[i]
		if link.CreditCost <= 0 {
			continue
		}
		if best == nil || link.CreditFeatureID < best.CreditFeatureID {
			best = link
		}
	}
	return best
}

// CreditLink lets a credit-system feature cover a deficit of another feature.
type CreditLink struct {
	OrgID           snowflake.ID `gorm:"primaryKey"`
	Environment     Environment  `gorm:"primaryKey;type:text"`
	FeatureID       string       `gorm:"primaryKey;type:text"`
	CreditFeatureID string       `gorm:"primaryKey;type:text"`
	CreditCost      float64      `gorm:"not null"`
}

// TableName sets the database table name.
func (CreditLink) TableName() string { return "feature_credit_links" }

// AutoTopUpRule configures automatic top-ups for a customer feature.
type AutoTopUpRule struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index:ix_auto_topup_rules_owner,priority:1"`
	Environment Environment  `gorm:"type:text;not null;index:ix_auto_topup_rules_owner,priority:2"`
	CustomerID  snowflake.ID `gorm:"not null;index:ix_auto_topup_rules_owner,priority:3"`
	FeatureID   string       `gorm:"type:text;not null;index:ix_auto_topup_rules_owner,priority:4"`
	Enabled     bool         `gorm:"not null"`
	Threshold   float64      `gorm:"not null"`
	Quantity    float64      `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AutoTopUpRule) TableName() string { return "auto_topup_rules" }

// SyncApplied records reconciler messages already applied to the store.
type SyncApplied struct {
	MessageID     string       `gorm:"primaryKey;type:text"`
	EntitlementID snowflake.ID `gorm:"not null;index"`
	AppliedAt     time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (SyncApplied) TableName() string { return "entitlement_sync_applied" }

// Resolved bundles what a deduction needs to know about one feature.
type Resolved struct {
	Feature      Feature
	Entitlements []CustomerEntitlement
	Templates    map[snowflake.ID]EntitlementTemplate
}

// Total returns the available balance across every source of the resolved rows.
func (r Resolved) Total(entityID string) float64 {
	var total float64
	for i := range r.Entitlements {
		total += EntitlementTotal(&r.Entitlements[i], r.Templates[r.Entitlements[i].TemplateID], entityID)
	}
	return total
}

// EntitlementTotal sums balance, additional balance and rollovers for a row.
func EntitlementTotal(ent *CustomerEntitlement, tmpl EntitlementTemplate, entityID string) float64 {
	var total float64
	if tmpl.EntityScoped() {
		entities := ent.EntityMap()
		for id, eb := range entities {
			if entityID != "" && id != entityID {
				continue
			}
			total += eb.Balance
		}
		for _, ro := range ent.Rollovers {
			for id, eb := range ro.EntityMap() {
				if entityID != "" && id != entityID {
					continue
				}
				total += eb.Balance
			}
		}
	} else {
		total += ent.Balance
		for _, ro := range ent.Rollovers {
			total += ro.Balance
		}
	}
	return total + ent.AdditionalBalance
}
