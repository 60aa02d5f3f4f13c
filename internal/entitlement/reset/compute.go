package reset

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"gorm.io/datatypes"
)

// RolloverCapPolicy bounds how much of a positive pre-reset balance is carried over.
type RolloverCapPolicy func(tmpl domain.EntitlementTemplate, preBalance, allowance float64) float64

// DefaultRolloverCap applies the template's absolute and percentage limits, whichever is lower.
func DefaultRolloverCap(tmpl domain.EntitlementTemplate, preBalance, allowance float64) float64 {
	capped := preBalance
	if tmpl.RolloverMax != nil && capped > *tmpl.RolloverMax {
		capped = *tmpl.RolloverMax
	}
	if tmpl.RolloverMaxPercent != nil {
		limit := allowance * *tmpl.RolloverMaxPercent / 100
		if capped > limit {
			capped = limit
		}
	}
	if capped < 0 {
		return 0
	}
	return capped
}

// AbsoluteRolloverCap ignores the percentage limit.
func AbsoluteRolloverCap(tmpl domain.EntitlementTemplate, preBalance, allowance float64) float64 {
	capped := preBalance
	if tmpl.RolloverMax != nil && capped > *tmpl.RolloverMax {
		capped = *tmpl.RolloverMax
	}
	if capped < 0 {
		return 0
	}
	return capped
}

// UncappedRollover carries the whole positive balance.
func UncappedRollover(_ domain.EntitlementTemplate, preBalance, _ float64) float64 {
	if preBalance < 0 {
		return 0
	}
	return preBalance
}

// Rollover cap policy names accepted by CapPolicyByName.
const (
	CapTemplate = "template"
	CapAbsolute = "absolute"
	CapNone     = "none"
)

// CapPolicyByName resolves a configured policy name; unknown names get the template limits.
func CapPolicyByName(name string) RolloverCapPolicy {
	switch name {
	case CapAbsolute:
		return AbsoluteRolloverCap
	case CapNone:
		return UncappedRollover
	default:
		return DefaultRolloverCap
	}
}

// Options configures Compute.
type Options struct {
	Cap   RolloverCapPolicy
	NewID func() snowflake.ID
}

// Compute builds the reset of ent at now. It returns false when the row is not due.
func Compute(ent domain.CustomerEntitlement, tmpl domain.EntitlementTemplate, now time.Time, opts Options) (domain.ResetRequest, bool) {
	nowMs := now.UnixMilli()
	if !ent.ResetDue(nowMs) {
		return domain.ResetRequest{}, false
	}
	if opts.Cap == nil {
		opts.Cap = DefaultRolloverCap
	}

	req := domain.ResetRequest{
		EntitlementID:       ent.ID,
		ExpectedNextResetAt: ent.NextResetAt,
	}

	anchor := *ent.NextResetAt
	if ent.ResetAnchorAt != nil && *ent.ResetAnchorAt <= anchor {
		anchor = *ent.ResetAnchorAt
	}
	req.ResetAnchorAt = &anchor

	next, last, ok := Advance(anchor, tmpl.Interval, tmpl.IntervalCount, nowMs)
	if ok {
		req.NextResetAt = &next
	} else {
		last = nowMs
	}
	req.LastResetAt = &last

	var rollover *domain.Rollover
	if tmpl.EntityScoped() {
		prev := ent.EntityMap()
		entities := make(domain.EntityBalances, len(prev))
		carried := domain.EntityBalances{}
		var carriedTotal float64
		for _, id := range prev.IDs() {
			entities[id] = domain.EntityBalance{Balance: tmpl.Allowance}
			if tmpl.RolloverEnabled && prev[id].Balance > 0 {
				amount := opts.Cap(tmpl, prev[id].Balance, tmpl.Allowance)
				if amount > 0 {
					carried[id] = domain.EntityBalance{Balance: amount}
					carriedTotal += amount
				}
			}
		}
		req.Entities = entities
		req.Balance = tmpl.Allowance * float64(len(entities))
		if len(carried) > 0 {
			rollover = &domain.Rollover{Balance: carriedTotal, Entities: datatypes.NewJSONType(carried)}
		}
	} else {
		req.Balance = tmpl.Allowance
		if tmpl.RolloverEnabled && ent.Balance > 0 {
			if amount := opts.Cap(tmpl, ent.Balance, tmpl.Allowance); amount > 0 {
				rollover = &domain.Rollover{Balance: amount}
			}
		}
	}

	if rollover != nil {
		if opts.NewID != nil {
			rollover.ID = opts.NewID()
		}
		rollover.EntitlementID = ent.ID
		if expires, ok := AddInterval(time.UnixMilli(last).UTC(), tmpl.RolloverDuration, max(tmpl.RolloverDurationCount, 1)); ok {
			ms := expires.UnixMilli()
			rollover.ExpiresAt = &ms
		}
		rollover.CreatedAt = now
		req.RolloverToInsert = rollover
	}

	req.DeleteRolloverIDs = pruneRollovers(ent.Rollovers, rollover != nil, tmpl.RolloverMaxPeriods, nowMs)
	return req, true
}

// pruneRollovers expires past-due chunks and keeps at most maxPeriods, dropping the soonest-expiring first.
func pruneRollovers(existing []domain.Rollover, adding bool, maxPeriods int, nowMs int64) []snowflake.ID {
	var drop []snowflake.ID
	live := make([]domain.Rollover, 0, len(existing))
	for _, ro := range existing {
		if ro.Expired(nowMs) {
			drop = append(drop, ro.ID)
			continue
		}
		live = append(live, ro)
	}

	if maxPeriods > 0 {
		keep := maxPeriods
		if adding {
			keep--
		}
		if excess := len(live) - keep; excess > 0 {
			domain.SortRollovers(live)
			for _, ro := range live[:excess] {
				drop = append(drop, ro.ID)
			}
		}
	}

	sort.Slice(drop, func(i, j int) bool { return drop[i] < drop[j] })
	return drop
}
