package core

import (
	"context"

	"github.com/google/uuid"
)

type (
	turnIDKey struct{}
	roleIDKey struct{}
)

// WithTurnID attaches a turn id to the context.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, id)
}

// TurnID returns the turn id if present.
func TurnID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(turnIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureTurnID ensures a turn id exists in the context.
func EnsureTurnID(ctx context.Context) (context.Context, string) {
	if id, ok := TurnID(ctx); ok {
		return ctx, id
	}
	id := NewTurnID()
	return WithTurnID(ctx, id), id
}

// WithRoleID marks ctx as belonging to one role's unit of work.
func WithRoleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roleIDKey{}, id)
}

// RoleID returns the role id set by WithRoleID.
func RoleID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(roleIDKey{}).(string)
	return id, ok && id != ""
}

// NewTurnID returns a fresh turn identifier.
func NewTurnID() string {
	return "turn-" + uuid.NewString()
}
