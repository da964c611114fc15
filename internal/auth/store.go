package auth

import (
	"context"
	"time"
)

// UserStore manages account records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// TokenStore manages opaque API token records. Implementations must perform
// RecordUsage as an atomic increment at the storage layer: the same token is
// used by many concurrent requests and fetch-then-save would lose updates.
type TokenStore interface {
	Create(ctx context.Context, t *APIToken) error
	Find(ctx context.Context, id, ownerID string) (*APIToken, error)
	FindByHash(ctx context.Context, hash string) (*APIToken, *User, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*APIToken, error)
	Update(ctx context.Context, t *APIToken) error
	Delete(ctx context.Context, id, ownerID string) error
	RecordUsage(ctx context.Context, id, ip string, at time.Time) error
}

// Store bundles the persistence surface consumed by the auth service.
type Store interface {
	Users() UserStore
	Tokens() TokenStore
}
