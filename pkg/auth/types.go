package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/sisiago/sisiago/pkg/contextkeys"
)

// Role is an application role
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleManager, RoleUser:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Actor is the authenticated user performing a request
type Actor struct {
	ID    string `json:"userId"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// HasRole reports whether the actor holds one of roles
func (a *Actor) HasRole(roles ...Role) bool {
	if a == nil {
		return false
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// WithActor stores the actor in ctx
func WithActor(ctx context.Context, actor *Actor) context.Context {
	ctx = contextkeys.WithActor(ctx, actor)
	return contextkeys.WithUserID(ctx, actor.ID)
}

// ActorFromContext returns the actor stored by Authenticate, if any
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(contextkeys.ActorKey).(*Actor)
	return actor, ok && actor != nil
}
