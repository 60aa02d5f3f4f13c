package cache

import (
	"strings"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

const (
	defaultRuleCacheSize = 10000
	defaultRuleTTL       = time.Minute
)

// TopUpRuleCache stores auto top-up rule lookups for the post-deduction hook. A customer
// without a rule is cached too, so the hook does not query the store on every deduction.
type TopUpRuleCache interface {
	GetRule(scope domain.Scope, featureID string) (rule *domain.AutoTopUpRule, found bool)
	SetRule(scope domain.Scope, featureID string, rule *domain.AutoTopUpRule)
	ForgetRule(scope domain.Scope, featureID string)
}

type topUpRuleCache struct {
	rules Cache[string, *domain.AutoTopUpRule]
}

// NewTopUpRuleCache returns an in-memory rule cache. Zero values select the defaults.
func NewTopUpRuleCache(size int, ttl time.Duration) TopUpRuleCache {
	if size <= 0 {
		size = defaultRuleCacheSize
	}
	if ttl <= 0 {
		ttl = defaultRuleTTL
	}
	return &topUpRuleCache{rules: NewTTLCache[string, *domain.AutoTopUpRule](size, ttl)}
}

func (c *topUpRuleCache) GetRule(scope domain.Scope, featureID string) (*domain.AutoTopUpRule, bool) {
	return c.rules.Get(ruleKey(scope, featureID))
}

func (c *topUpRuleCache) SetRule(scope domain.Scope, featureID string, rule *domain.AutoTopUpRule) {
	c.rules.Set(ruleKey(scope, featureID), rule)
}

func (c *topUpRuleCache) ForgetRule(scope domain.Scope, featureID string) {
	c.rules.Delete(ruleKey(scope, featureID))
}

func ruleKey(scope domain.Scope, featureID string) string {
	return cacheKey(scope.OrgID.String(), string(scope.Environment), scope.CustomerID.String(), featureID)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
