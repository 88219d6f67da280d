// Package store provides the account directory consumed by the identity linker.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known attribute keys. One <provider>_id key exists per linked provider.
const (
	AttrFirstName = "first_name"
	AttrLastName  = "last_name"
	AttrCompany   = "company"
	AttrTitle     = "title"
)

// ProviderIDKey returns the attribute key holding a provider's external id,
// e.g. "facebook_id".
func ProviderIDKey(provider string) string {
	return provider + "_id"
}

// User represents a local account record.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	HasAvatar    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProviderCredential holds a per-provider API key/secret pair.
type ProviderCredential struct {
	Provider  string
	APIKey    string
	APISecret string
	Scopes    []string
	UpdatedAt time.Time
}

// Accounts defines the account directory operations used by the core.
type Accounts interface {
	// CreateUser creates a new local account. Returns an ALREADY_EXISTS
	// coded error when the username is taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	// FindByUsername retrieves a user by exact username. Returns a
	// NOT_FOUND coded error when no user matches.
	FindByUsername(ctx context.Context, username string) (*User, error)

	// FindByAttribute retrieves the user whose attribute key equals value.
	// Returns a NOT_FOUND coded error when no user matches.
	FindByAttribute(ctx context.Context, key, value string) (*User, error)

	// GetAttribute returns the attribute value for a user, or the empty
	// string when the attribute is unset.
	GetAttribute(ctx context.Context, userID uuid.UUID, key string) (string, error)

	// SetAttribute writes an attribute value for a user, overwriting any
	// existing value. Returns an ALREADY_EXISTS coded error when the
	// value collides with another user's unique attribute.
	SetAttribute(ctx context.Context, userID uuid.UUID, key, value string) error

	// AttributeKeyExists reports whether an attribute key is defined.
	AttributeKeyExists(ctx context.Context, key string) (bool, error)

	// SetHasAvatar flags whether the user has a stored avatar.
	SetHasAvatar(ctx context.Context, userID uuid.UUID, has bool) error
}

// Credentials defines access to per-provider API credentials.
type Credentials interface {
	// ListProviderCredentials returns all configured provider credentials.
	ListProviderCredentials(ctx context.Context) ([]ProviderCredential, error)
}
