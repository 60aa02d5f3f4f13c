package balancecache

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	balancedomain "github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/deduction"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

// FeatureState is what the cache needs to serve deductions of one feature.
type FeatureState struct {
	Resolved domain.Resolved
	// ForceReject pins the overage behaviour to reject regardless of the request.
	ForceReject bool
}

// Snapshot is the complete cache entry of one customer, built from the store view.
type Snapshot struct {
	Scope    domain.Scope
	Details  balancedomain.Details
	Features []FeatureState
	Now      time.Time
}

type sourceMeta struct {
	Kind          domain.SourceKind `json:"k"`
	EntitlementID string            `json:"e"`
	RolloverID    string            `json:"r,omitempty"`
	EntityID      string            `json:"n,omitempty"`
	FeatureID     string            `json:"f"`
	ResetSeq      int64             `json:"s,omitempty"`
}

type creditMeta struct {
	FeatureID string `json:"f"`
	Rate      string `json:"r"`
}

// fields flattens the snapshot into hash field/value pairs.
func (s Snapshot) fields() ([]interface{}, error) {
	nowMs := s.Now.UnixMilli()
	out := make([]interface{}, 0, 64)
	written := map[string]struct{}{}

	put := func(field, value string) {
		out = append(out, field, value)
	}
	putSources := func(scope string, sources deduction.Sources) error {
		primary := make([]string, 0, len(sources.Primary))
		for _, src := range sources.Primary {
			primary = append(primary, src.Key)
		}
		additional := make([]string, 0, len(sources.Additional))
		for _, src := range sources.Additional {
			additional = append(additional, src.Key)
		}
		pri, err := json.Marshal(primary)
		if err != nil {
			return err
		}
		add, err := json.Marshal(additional)
		if err != nil {
			return err
		}
		put("pri:"+scope, string(pri))
		put("add:"+scope, string(add))

		for _, list := range [][]deduction.Source{sources.Primary, sources.Additional} {
			for _, src := range list {
				if _, ok := written[src.Key]; ok {
					continue
				}
				written[src.Key] = struct{}{}
				if err := putSource(put, src); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, fs := range s.Features {
		res := fs.Resolved
		featureID := res.Feature.ID

		if err := putSources(featureID, deduction.BuildSources(res, "", nowMs)); err != nil {
			return nil, err
		}
		for _, entityID := range entityIDs(res) {
			sources := deduction.BuildSources(res, entityID, nowMs)
			if err := putSources(ScopeField(featureID, entityID), sources); err != nil {
				return nil, err
			}
		}

		if next := earliestReset(res.Entitlements); next != nil {
			put("_exp:"+featureID, strconv.FormatInt(*next, 10))
		}
		if fs.ForceReject {
			put("pol:"+featureID, string(domain.OverageReject))
		}
		if link := res.Feature.PrimaryCreditLink(); link != nil {
			raw, err := json.Marshal(creditMeta{FeatureID: link.CreditFeatureID, Rate: deduction.FormatFloat(link.CreditCost)})
			if err != nil {
				return nil, err
			}
			put("cr:"+featureID, string(raw))
		}
	}

	meta, err := json.Marshal(s.Details.Metadata)
	if err != nil {
		return nil, err
	}
	put("d:name", s.Details.Name)
	put("d:email", s.Details.Email)
	put("d:metadata", string(meta))
	return out, nil
}

func putSource(put func(field, value string), src deduction.Source) error {
	put("v:"+src.Key, deduction.FormatFloat(src.Balance))
	put("j:"+src.Key, deduction.FormatFloat(src.Adjustment))
	if src.Overage {
		put("ov:"+src.Key, "1")
	}
	if src.Min != nil {
		put("min:"+src.Key, deduction.FormatFloat(*src.Min))
	}
	if src.ExpiresAt != nil {
		put("x:"+src.Key, strconv.FormatInt(*src.ExpiresAt, 10))
	}

	meta := sourceMeta{
		Kind:          src.Kind,
		EntitlementID: src.EntitlementID.String(),
		EntityID:      src.EntityID,
		FeatureID:     src.FeatureID,
		ResetSeq:      src.ResetSeq,
	}
	if src.RolloverID != 0 {
		meta.RolloverID = src.RolloverID.String()
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	put("m:"+src.Key, string(raw))
	return nil
}

// entityIDs lists every entity that owns a balance or a rollover on an entity-scoped row.
func entityIDs(res domain.Resolved) []string {
	seen := map[string]struct{}{}
	for i := range res.Entitlements {
		row := &res.Entitlements[i]
		if !res.Templates[row.TemplateID].EntityScoped() {
			continue
		}
		for id := range row.EntityMap() {
			seen[id] = struct{}{}
		}
		for j := range row.Rollovers {
			for id := range row.Rollovers[j].EntityMap() {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func earliestReset(rows []domain.CustomerEntitlement) *int64 {
	var next *int64
	for i := range rows {
		at := rows[i].NextResetAt
		if at == nil {
			continue
		}
		if next == nil || *at < *next {
			v := *at
			next = &v
		}
	}
	return next
}
