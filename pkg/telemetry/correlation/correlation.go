// Package correlation carries the id that ties together the logs and spans of one
// deduction, scheduler run or sync batch.
package correlation

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

type key struct{}

// ID returns the correlation id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(key{}).(string)
	return id
}

// WithID returns ctx carrying id. An empty id leaves ctx as it is.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key{}, id)
}

// Ensure keeps the id already on ctx or mints one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := New(time.Now())
	return WithID(ctx, id), id
}

// New mints a ULID stamped with at, so ids sort by the time their work started.
func New(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}
