// Package clock abstracts time so resets and reconciliation can be driven by tests.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock in UTC.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

func Provide() Clock {
	return Real{}
}

var Module = fx.Module("clock",
	fx.Provide(Provide),
)
