package deduction

import (
	"sort"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

// Source is one balance pool a deduction can draw from.
type Source struct {
	Key           string
	Kind          domain.SourceKind
	FeatureID     string
	EntitlementID snowflake.ID
	RolloverID    snowflake.ID
	EntityID      string
	// ResetSeq is the owning row's reset counter, set on balance sources.
	ResetSeq   int64
	Balance    float64
	Adjustment float64
	// Overage lets the second pass take the source below zero, down to Min.
	Overage bool
	// Min is the overage floor; nil means unbounded.
	Min *float64
	// ExpiresAt is set on rollover sources (epoch ms).
	ExpiresAt *int64
}

// Sources are the ordered pools of one feature: balances then rollovers in Primary.
type Sources struct {
	FeatureID  string
	Primary    []Source
	Additional []Source
}

// Total sums every pool in consumption order.
func (s Sources) Total() float64 {
	var total float64
	for _, src := range s.Primary {
		total += src.Balance
	}
	for _, src := range s.Additional {
		total += src.Balance
	}
	return total
}

// Empty reports whether there is no pool at all.
func (s Sources) Empty() bool {
	return len(s.Primary) == 0 && len(s.Additional) == 0
}

func (s Sources) clone() Sources {
	out := Sources{FeatureID: s.FeatureID}
	out.Primary = append([]Source(nil), s.Primary...)
	out.Additional = append([]Source(nil), s.Additional...)
	return out
}

// BalanceKey is the source key of an entitlement's current-period balance.
func BalanceKey(entitlementID snowflake.ID, entityID string) string {
	if entityID == "" {
		return "b:" + entitlementID.String()
	}
	return "b:" + entitlementID.String() + ":" + entityID
}

// RolloverKey is the source key of a rollover chunk.
func RolloverKey(rolloverID snowflake.ID, entityID string) string {
	if entityID == "" {
		return "r:" + rolloverID.String()
	}
	return "r:" + rolloverID.String() + ":" + entityID
}

// AdditionalKey is the source key of an entitlement's additional balance.
func AdditionalKey(entitlementID snowflake.ID) string {
	return "a:" + entitlementID.String()
}

// BuildSources orders the pools of a resolved feature for consumption.
// An empty entityID on an entity-scoped feature selects every entity, sorted by id.
// Rollovers expired at nowMs are left out.
func BuildSources(resolved domain.Resolved, entityID string, nowMs int64) Sources {
	out := Sources{FeatureID: resolved.Feature.ID}

	rows := append([]domain.CustomerEntitlement(nil), resolved.Entitlements...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	var chunks []domain.Rollover
	owners := map[snowflake.ID]*domain.CustomerEntitlement{}
	included := make([]bool, len(rows))

	for i := range rows {
		row := &rows[i]
		tmpl := resolved.Templates[row.TemplateID]
		overage := tmpl.UsageAllowed
		floor := tmpl.MinBalance()

		if tmpl.EntityScoped() {
			entities := row.EntityMap()
			selected := selectEntities(entities, entityID)
			if entityID != "" && len(selected) == 0 {
				continue
			}
			for _, id := range selected {
				eb := entities[id]
				out.Primary = append(out.Primary, Source{
					Key:           BalanceKey(row.ID, id),
					Kind:          domain.SourceBalance,
					FeatureID:     row.FeatureID,
					EntitlementID: row.ID,
					EntityID:      id,
					ResetSeq:      row.ResetSeq,
					Balance:       eb.Balance,
					Adjustment:    eb.Adjustment,
					Overage:       overage,
					Min:           floor,
				})
			}
		} else {
			out.Primary = append(out.Primary, Source{
				Key:           BalanceKey(row.ID, ""),
				Kind:          domain.SourceBalance,
				FeatureID:     row.FeatureID,
				EntitlementID: row.ID,
				ResetSeq:      row.ResetSeq,
				Balance:       row.Balance,
				Adjustment:    row.Adjustment,
				Overage:       overage,
				Min:           floor,
			})
		}
		included[i] = true

		for _, ro := range row.Rollovers {
			if ro.Expired(nowMs) {
				continue
			}
			chunks = append(chunks, ro)
			owners[ro.ID] = row
		}
	}

	domain.SortRollovers(chunks)
	for _, ro := range chunks {
		row := owners[ro.ID]
		tmpl := resolved.Templates[row.TemplateID]
		if tmpl.EntityScoped() {
			entities := ro.EntityMap()
			for _, id := range selectEntities(entities, entityID) {
				out.Primary = append(out.Primary, Source{
					Key:           RolloverKey(ro.ID, id),
					Kind:          domain.SourceRollover,
					FeatureID:     row.FeatureID,
					EntitlementID: row.ID,
					RolloverID:    ro.ID,
					EntityID:      id,
					Balance:       entities[id].Balance,
					ExpiresAt:     ro.ExpiresAt,
				})
			}
			continue
		}
		out.Primary = append(out.Primary, Source{
			Key:           RolloverKey(ro.ID, ""),
			Kind:          domain.SourceRollover,
			FeatureID:     row.FeatureID,
			EntitlementID: row.ID,
			RolloverID:    ro.ID,
			Balance:       ro.Balance,
			ExpiresAt:     ro.ExpiresAt,
		})
	}

	for i := range rows {
		if !included[i] {
			continue
		}
		row := &rows[i]
		out.Additional = append(out.Additional, Source{
			Key:           AdditionalKey(row.ID),
			Kind:          domain.SourceAdditional,
			FeatureID:     row.FeatureID,
			EntitlementID: row.ID,
			Balance:       row.AdditionalBalance,
		})
	}

	return out
}

func selectEntities(entities domain.EntityBalances, entityID string) []string {
	if entityID == "" {
		return entities.IDs()
	}
	if _, ok := entities[entityID]; ok {
		return []string{entityID}
	}
	return nil
}

// FormatFloat renders v so that parsing it back yields the same float64.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
