package logger

import (
	"context"
	"strings"
)

type orgKey struct{}

type actorKey struct{}

type customerKey struct{}

type customer struct {
	environment string
	id          string
}

type actor struct {
	kind string
	id   string
}

// ContextWithOrgID stores the tenant a unit of work runs for.
func ContextWithOrgID(ctx context.Context, orgID string) context.Context {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return ctx
	}
	return context.WithValue(ctx, orgKey{}, orgID)
}

func OrgIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(orgKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextWithCustomer stores the customer whose balances a unit of work touches.
func ContextWithCustomer(ctx context.Context, environment, customerID string) context.Context {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return ctx
	}
	return context.WithValue(ctx, customerKey{}, customer{environment: strings.TrimSpace(environment), id: customerID})
}

func CustomerFromContext(ctx context.Context) (string, string) {
	if v, ok := ctx.Value(customerKey{}).(customer); ok {
		return v.environment, v.id
	}
	return "", ""
}

// ContextWithActor stores who triggered a unit of work, e.g. "system"/"scheduler".
func ContextWithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{kind: strings.TrimSpace(actorType), id: strings.TrimSpace(actorID)})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if v, ok := ctx.Value(actorKey{}).(actor); ok {
		return v.kind, v.id
	}
	return "", ""
}
