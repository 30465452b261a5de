// Package store defines the credential store contract (C1): narrow,
// composable interfaces over Users, AccessTokens, Keys and Providers, kept
// separate so callers that only read provider config (the router) don't
// depend on the mutation surface the throttle engine needs.
package store

import (
	"context"

	"github.com/fleetkey/relay/internal/relay"
)

// UserStore resolves and manages Users by their bearer token or id.
type UserStore interface {
	GetUserByToken(ctx context.Context, token string) (*relay.User, error)
	GetUser(ctx context.Context, id string) (*relay.User, error)
	CreateUser(ctx context.Context, u *relay.User) error
	UpdateUser(ctx context.Context, u *relay.User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context, offset, limit int) ([]*relay.User, error)
}

// AccessTokenStore resolves AccessTokens, which authenticate as their
// owning User but are denied management endpoints (§4.5).
type AccessTokenStore interface {
	GetAccessTokenByToken(ctx context.Context, token string) (*relay.AccessToken, error)
	CreateAccessToken(ctx context.Context, t *relay.AccessToken) error
	ListAccessTokens(ctx context.Context, userID string) ([]*relay.AccessToken, error)
	DeleteAccessToken(ctx context.Context, id string) error
}

// KeyStore manages Key persistence, including the partial updates the
// throttle engine's commit path issues (§6 updateKey: only the fields the
// caller sets are written, so two requests touching disjoint fields of the
// same key don't clobber each other).
type KeyStore interface {
	CreateKey(ctx context.Context, k *relay.Key) error
	GetKey(ctx context.Context, id string) (*relay.Key, error)
	ListKeysForUser(ctx context.Context, userID string) ([]relay.Key, error)
	ListKeysForProvider(ctx context.Context, providerName string) ([]relay.Key, error)
	DeleteKey(ctx context.Context, id string) error

	// UpdateKey writes only the fields whose *Set flag is true. This is the
	// shape the throttle engine's commit batch calls directly.
	UpdateKey(ctx context.Context, id string, throttleData map[string]relay.BucketState, throttleDataSet bool, keyData []byte, keyDataSet bool, permanentlyFailed bool, permanentlyFailedSet bool) error
}

// ProviderStore manages the static Provider configuration table.
type ProviderStore interface {
	GetProvider(ctx context.Context, name string) (*relay.Provider, error)
	ListProviders(ctx context.Context) ([]relay.Provider, error)
	UpsertProvider(ctx context.Context, p *relay.Provider) error
	DeleteProvider(ctx context.Context, name string) error
}

// Store composes the full credential store contract. Concrete backends
// (sqlite, and optionally redis for throttle state alone) implement it.
type Store interface {
	UserStore
	AccessTokenStore
	KeyStore
	ProviderStore
	Close() error
}
