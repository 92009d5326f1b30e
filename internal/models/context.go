package models

import "context"

type actorContextKey struct{}

// Actor identifies the authenticated caller of a ledger operation.
type Actor struct {
	UserId string
	Role   string
}

// IsAdmin reports whether the actor may run admin-only ledger operations.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// WithActor attaches the authenticated caller to a context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor retrieves the caller from context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
