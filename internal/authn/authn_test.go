package authn

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/relay"
)

// fakeStore is a minimal in-memory store.Store covering only the lookups
// authn exercises; every other method is unused by these tests.
type fakeStore struct {
	usersByToken map[string]*relay.User
	usersByID    map[string]*relay.User
	accessTokens map[string]*relay.AccessToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByToken: make(map[string]*relay.User),
		usersByID:    make(map[string]*relay.User),
		accessTokens: make(map[string]*relay.AccessToken),
	}
}

func (s *fakeStore) addUser(u *relay.User) {
	s.usersByToken[u.Token] = u
	s.usersByID[u.ID] = u
}

func (s *fakeStore) addAccessToken(t *relay.AccessToken) { s.accessTokens[t.Token] = t }

func (s *fakeStore) GetUserByToken(_ context.Context, token string) (*relay.User, error) {
	u, ok := s.usersByToken[token]
	if !ok {
		return nil, relay.ErrAuth
	}
	return u, nil
}
func (s *fakeStore) GetUser(_ context.Context, id string) (*relay.User, error) {
	u, ok := s.usersByID[id]
	if !ok {
		return nil, relay.ErrAuth
	}
	return u, nil
}
func (s *fakeStore) CreateUser(context.Context, *relay.User) error             { return nil }
func (s *fakeStore) UpdateUser(context.Context, *relay.User) error             { return nil }
func (s *fakeStore) DeleteUser(context.Context, string) error                 { return nil }
func (s *fakeStore) ListUsers(context.Context, int, int) ([]*relay.User, error) {
	return nil, nil
}

func (s *fakeStore) GetAccessTokenByToken(_ context.Context, token string) (*relay.AccessToken, error) {
	t, ok := s.accessTokens[token]
	if !ok {
		return nil, relay.ErrAuth
	}
	return t, nil
}
func (s *fakeStore) CreateAccessToken(context.Context, *relay.AccessToken) error { return nil }
func (s *fakeStore) ListAccessTokens(context.Context, string) ([]*relay.AccessToken, error) {
	return nil, nil
}
func (s *fakeStore) DeleteAccessToken(context.Context, string) error { return nil }

func (s *fakeStore) CreateKey(context.Context, *relay.Key) error { return nil }
func (s *fakeStore) GetKey(context.Context, string) (*relay.Key, error) {
	return nil, relay.ErrAuth
}
func (s *fakeStore) ListKeysForUser(context.Context, string) ([]relay.Key, error)     { return nil, nil }
func (s *fakeStore) ListKeysForProvider(context.Context, string) ([]relay.Key, error) { return nil, nil }
func (s *fakeStore) DeleteKey(context.Context, string) error                         { return nil }
func (s *fakeStore) UpdateKey(context.Context, string, map[string]relay.BucketState, bool, []byte, bool, bool, bool) error {
	return nil
}

func (s *fakeStore) GetProvider(context.Context, string) (*relay.Provider, error) {
	return nil, relay.ErrAuth
}
func (s *fakeStore) ListProviders(context.Context) ([]relay.Provider, error) { return nil, nil }
func (s *fakeStore) UpsertProvider(context.Context, *relay.Provider) error   { return nil }
func (s *fakeStore) DeleteProvider(context.Context, string) error           { return nil }
func (s *fakeStore) Close() error                                          { return nil }

func TestAuthenticate_UserToken(t *testing.T) {
	st := newFakeStore()
	st.addUser(&relay.User{ID: "u1", Token: "sk-abc", Keys: []relay.Key{{ID: "k1"}}})

	m, err := New(st)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-abc")

	user, isAccessToken, err := m.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, isAccessToken)
	assert.Equal(t, "u1", user.ID)
	assert.Len(t, user.Keys, 1)
}

func TestAuthenticate_AccessTokenResolvesOwningUser(t *testing.T) {
	st := newFakeStore()
	st.addUser(&relay.User{ID: "u1", Token: "sk-abc"})
	st.addAccessToken(&relay.AccessToken{ID: "at1", Token: "sk-api-xyz", UserID: "u1"})

	m, err := New(st)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-api-xyz")

	user, isAccessToken, err := m.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, isAccessToken)
	assert.Equal(t, "u1", user.ID)
}

func TestAuthenticate_GoogHeaderAndQueryParamFallback(t *testing.T) {
	st := newFakeStore()
	st.addUser(&relay.User{ID: "u1", Token: "sk-abc"})
	m, err := New(st)
	require.NoError(t, err)

	r1 := httptest.NewRequest("POST", "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	r1.Header.Set("x-goog-api-key", "sk-abc")
	user, _, err := m.Authenticate(context.Background(), r1)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	r2 := httptest.NewRequest("POST", "/v1beta/models/gemini-2.5-pro:generateContent?key=sk-abc", nil)
	user, _, err = m.Authenticate(context.Background(), r2)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
}

func TestAuthenticate_MissingTokenIsUnauthorized(t *testing.T) {
	st := newFakeStore()
	m, err := New(st)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	_, _, err = m.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, relay.ErrAuth)
}

func TestAuthenticate_UnknownTokenIsUnauthorized(t *testing.T) {
	st := newFakeStore()
	m, err := New(st)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-unknown")
	_, _, err = m.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, relay.ErrAuth)
}

func TestAuthenticate_CacheHitSurvivesStoreDeletion(t *testing.T) {
	st := newFakeStore()
	st.addUser(&relay.User{ID: "u1", Token: "sk-abc"})
	m, err := New(st)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-abc")

	_, _, err = m.Authenticate(context.Background(), r)
	require.NoError(t, err)

	delete(st.usersByToken, "sk-abc")

	user, _, err := m.Authenticate(context.Background(), r)
	require.NoError(t, err, "cached resolution should survive store deletion until TTL expiry")
	assert.Equal(t, "u1", user.ID)
}

func TestAuthenticate_InvalidateUserForcesReload(t *testing.T) {
	st := newFakeStore()
	st.addUser(&relay.User{ID: "u1", Token: "sk-abc"})
	m, err := New(st)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-abc")
	_, _, err = m.Authenticate(context.Background(), r)
	require.NoError(t, err)

	m.InvalidateUser("u1")
	delete(st.usersByToken, "sk-abc")

	_, _, err = m.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, relay.ErrAuth)
}
