package guard

import (
	"errors"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

var (
	ErrResetNotScheduled = errors.New("entitlement_reset_not_scheduled")
	ErrResetNotDue       = errors.New("entitlement_reset_not_due")
	ErrMissingTemplate   = errors.New("entitlement_template_missing")
)

// EnsureEntitlementCanReset checks the row can be moved into its next interval at now.
func EnsureEntitlementCanReset(ent domain.CustomerEntitlement, tmpl *domain.EntitlementTemplate, now time.Time) error {
	if ent.NextResetAt == nil {
		return ErrResetNotScheduled
	}
	if now.UnixMilli() < *ent.NextResetAt {
		return ErrResetNotDue
	}
	if tmpl == nil {
		return ErrMissingTemplate
	}
	return nil
}
