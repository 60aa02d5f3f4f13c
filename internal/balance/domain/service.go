// Package domain defines the consumption contract of customer entitlement balances.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

// Path tells which execution path served a deduction.
type Path string

const (
	PathCache Path = "cache"
	PathStore Path = "store"
)

// Options tune a deduction.
type Options struct {
	OverageBehaviour    entdomain.OverageBehaviour
	AlterGrantedBalance bool
}

type DeductRequest struct {
	Scope     entdomain.Scope
	EntityID  string
	FeatureID string
	Amount    float64
	Options   Options
}

type DeductResult struct {
	NewBalance float64
	Deducted   float64
	Remaining  float64
	Path       Path
}

type BatchRequest struct {
	Scope     entdomain.Scope
	EntityID  string
	FeatureID string
	Amounts   []float64
	Options   Options
}

// ItemResult is the tally of one amount of a batch.
type ItemResult struct {
	Amount    float64
	Deducted  float64
	Remaining float64
	OK        bool
}

type BatchResult struct {
	Success      bool
	SuccessCount int
	Deducted     float64
	NewBalance   float64
	Items        []ItemResult
	Path         Path
}

// SetBalanceRequest moves a feature's balance to TargetBalance. A zero EntitlementID
// targets every primary pool of the feature.
type SetBalanceRequest struct {
	Scope         entdomain.Scope
	EntityID      string
	FeatureID     string
	EntitlementID snowflake.ID
	TargetBalance float64
}

// Details are descriptive customer fields kept next to cached balances.
type Details struct {
	Name     string            `json:"name"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FeatureBalance summarizes the pools of one feature.
type FeatureBalance struct {
	FeatureID   string  `json:"featureId"`
	Balance     float64 `json:"balance"`
	Rollover    float64 `json:"rollover"`
	Additional  float64 `json:"additional"`
	Total       float64 `json:"total"`
	NextResetAt *int64  `json:"nextResetAt,omitempty"`
}

// Snapshot is every feature balance of one customer.
type Snapshot struct {
	Scope    entdomain.Scope           `json:"-"`
	Details  Details                   `json:"details"`
	Features map[string]FeatureBalance `json:"features"`
	Source   Path                      `json:"source"`
}

type Service interface {
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	DeductBatch(ctx context.Context, req BatchRequest) (BatchResult, error)
	SetBalance(ctx context.Context, req SetBalanceRequest) error
	GetBalances(ctx context.Context, scope entdomain.Scope) (Snapshot, error)
	FreshBalances(ctx context.Context, scope entdomain.Scope) (Snapshot, error)
	SetDetails(ctx context.Context, scope entdomain.Scope, details Details) error
}

// Observer is told the remaining total of a feature after every successful deduction.
type Observer interface {
	Observe(ctx context.Context, scope entdomain.Scope, featureID string, total float64)
}
