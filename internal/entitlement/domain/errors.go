package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers switch on behaviour instead of error identity.
type ErrorKind string

const (
	KindInsufficientBalance    ErrorKind = "insufficient_balance"
	KindCacheUnusable          ErrorKind = "cache_unusable"
	KindLockAcquisitionTimeout ErrorKind = "lock_acquisition_timeout"
	KindResetSkipped           ErrorKind = "reset_skipped"
	KindSyncApplyFailure       ErrorKind = "sync_apply_failure"
	KindNotFound               ErrorKind = "not_found"
	KindInvalidArgument        ErrorKind = "invalid_argument"
)

// Cache-unusable codes reported by the balance cache script.
const (
	CodeCustomerNotFound = "CUSTOMER_NOT_FOUND"
	CodeFeatureNotFound  = "FEATURE_NOT_FOUND"
	CodeResetDue         = "RESET_DUE"
	CodeCacheError       = "CACHE_ERROR"
	CodeInsufficient     = "INSUFFICIENT_BALANCE"
)

var (
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrCacheUnusable       = errors.New("cache_unusable")
	ErrLockTimeout         = errors.New("lock_acquisition_timeout")
	ErrResetSkipped        = errors.New("reset_skipped")
	ErrSyncApplyFailure    = errors.New("sync_apply_failure")
	ErrNotFound            = errors.New("not_found")
	ErrInvalidArgument     = errors.New("invalid_argument")
	ErrVersionConflict     = errors.New("version_conflict")
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrFeatureNotFound     = errors.New("feature_not_found")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidFeatureID    = errors.New("invalid_feature_id")
)

var sentinels = map[ErrorKind]error{
	KindInsufficientBalance:    ErrInsufficientBalance,
	KindCacheUnusable:          ErrCacheUnusable,
	KindLockAcquisitionTimeout: ErrLockTimeout,
	KindResetSkipped:           ErrResetSkipped,
	KindSyncApplyFailure:       ErrSyncApplyFailure,
	KindNotFound:               ErrNotFound,
	KindInvalidArgument:        ErrInvalidArgument,
}

// Error is the tagged error returned by the balance engine.
type Error struct {
	Kind ErrorKind
	Code string
	Err  error
}

// NewError tags err with kind and an optional machine code.
func NewError(kind ErrorKind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Code != "" {
		msg += "[" + e.Code + "]"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := sentinels[e.Kind]
	return ok && sentinel == target
}

// FallbackEligible reports whether the locked store path may be tried after this failure.
func (e *Error) FallbackEligible() bool {
	return e != nil && e.Kind == KindCacheUnusable
}

// KindOf returns the kind of a tagged error, or "" when err is not tagged.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ""
}

// CodeOf returns the machine code of a tagged error, or "".
func CodeOf(err error) string {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	return ""
}

// FallbackEligible reports whether err allows falling back to the store path.
func FallbackEligible(err error) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.FallbackEligible()
	}
	return false
}

// CacheUnusable builds a fallback-eligible cache failure.
func CacheUnusable(code string, err error) error {
	return NewError(KindCacheUnusable, code, err)
}

// InsufficientBalance builds the business-rule rejection.
func InsufficientBalance(featureID string) error {
	return NewError(KindInsufficientBalance, CodeInsufficient, fmt.Errorf("feature %s", featureID))
}
