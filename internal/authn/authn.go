// Package authn implements the C6 authentication middleware: it resolves
// an inbound request's bearer token to its owning User, with that user's
// Keys (and their Providers) eagerly loaded, ready for the router (§4.5).
package authn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/fleetkey/relay/internal/relay"
	"github.com/fleetkey/relay/internal/store"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key/alias edits promptly
	cacheMaxLen = 10_000
)

// Middleware resolves the bearer token carried by a request to its User,
// caching the resolved user (Keys and their Providers included) so repeat
// requests from the same caller skip the store round trip. Entries are
// keyed by the raw resolved token, so an AccessToken and its owning User's
// own token cache independently; a revoked token keeps resolving from the
// cache until its entry expires (cacheTTL) or is invalidated.
type Middleware struct {
	store store.Store
	cache *otter.Cache[string, *relay.User]

	mu          sync.Mutex
	tokenToUser map[string]string // User.ID -> last raw token resolved for that user, for invalidation
}

// New builds a Middleware backed by store.
func New(s store.Store) (*Middleware, error) {
	cache, err := otter.New(&otter.Options[string, *relay.User]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *relay.User](cacheTTL),
	})
	if err != nil {
		return nil, err
	}
	return &Middleware{store: s, cache: cache, tokenToUser: make(map[string]string)}, nil
}

// Authenticate extracts the caller's token, per §4.5's three-location
// lookup order, and resolves it to the owning User. isAccessToken reports
// whether the caller authenticated via an sk-api- token (denied management
// endpoints by the caller's own handler).
func (m *Middleware) Authenticate(ctx context.Context, r *http.Request) (user *relay.User, isAccessToken bool, err error) {
	token := tokenFromRequest(r)
	if token == "" {
		return nil, false, relay.ErrAuth
	}
	return m.resolve(ctx, token)
}

// tokenFromRequest applies §4.5's lookup order: Authorization: Bearer,
// then x-goog-api-key, then the query parameter "key".
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
	}
	if t := r.Header.Get("x-goog-api-key"); t != "" {
		return t
	}
	return r.URL.Query().Get("key")
}

func (m *Middleware) resolve(ctx context.Context, token string) (*relay.User, bool, error) {
	isAccessToken := hasPrefix(token, relay.AccessTokenPrefix)

	if cached, ok := m.cache.GetIfPresent(token); ok {
		return cached, isAccessToken, nil
	}

	var user *relay.User
	if isAccessToken {
		at, err := m.store.GetAccessTokenByToken(ctx, token)
		if err != nil {
			return nil, false, relay.ErrAuth
		}
		user, err = m.store.GetUser(ctx, at.UserID)
		if err != nil {
			return nil, false, relay.ErrAuth
		}
	} else {
		u, err := m.store.GetUserByToken(ctx, token)
		if err != nil {
			return nil, false, relay.ErrAuth
		}
		user = u
	}

	m.cache.Set(token, user)
	m.mu.Lock()
	m.tokenToUser[user.ID] = token
	m.mu.Unlock()

	return user, isAccessToken, nil
}

// InvalidateUser evicts the cached resolution for userID, forcing the next
// request with that user's most recently resolved token to reload from the
// store. Only that one token is tracked per user: entries cached under the
// user's other tokens (its own token or other AccessTokens) stay until they
// expire. Callers use this after any admin mutation of the user's keys or
// aliases.
func (m *Middleware) InvalidateUser(userID string) {
	m.mu.Lock()
	token, ok := m.tokenToUser[userID]
	if ok {
		delete(m.tokenToUser, userID)
	}
	m.mu.Unlock()
	if ok {
		m.cache.Invalidate(token)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
