package profiles

import (
	"context"
)

// Store defines the profile persistence contract.
//
// Update applies only the supplied fields and refuses sensitive ones.
// Delete is idempotent: removing a missing row succeeds.
type Store interface {
	Create(ctx context.Context, req *CreateUserRequest) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Update(ctx context.Context, id string, fields Fields) (*User, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*User, error)
}
