package users

import (
	"context"
	"errors"
	"time"

	"github.com/sisiago/sisiago/pkg/audit"
)

// ErrNotFound is returned when no user has the requested id
var ErrNotFound = errors.New("user not found")

// User is the directory view of an application user
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusUpdate changes a user's activation, role or both. Nil fields are
// left as they are.
type StatusUpdate struct {
	IsActive *bool   `json:"is_active" validate:"required_without=Role"`
	Role     *string `json:"role" validate:"omitempty,oneof=admin manager user"`
}

// Repository reads and updates users
type Repository interface {
	FindByID(ctx context.Context, id string) (*User, error)
	// UpdateStatus applies upd and returns the user before and after it
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (before, after *User, err error)
}

// auditValues is the snapshot recorded for status changes
func (u *User) auditValues() audit.Values {
	return audit.Values{
		"is_active": u.IsActive,
		"role":      u.Role,
	}
}
