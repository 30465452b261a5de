package authn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetkey/relay/internal/relay"
)

// accessTokenKey is a context key recording whether the request authenticated
// via an sk-api- AccessToken rather than a User's own token.
type accessTokenKey struct{}

// ContextIsAccessToken reports whether the authenticated caller used an
// AccessToken (denied management endpoints per §4.5).
func ContextIsAccessToken(ctx context.Context) bool {
	v, _ := ctx.Value(accessTokenKey{}).(bool)
	return v
}

// Handler wraps next with token resolution: on success it attaches the
// resolved User (and the access-token flag) to the request context before
// calling next; on failure it writes the §6 error envelope with a 401.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, isAccessToken, err := m.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := relay.ContextWithUser(r.Context(), user)
		ctx = context.WithValue(ctx, accessTokenKey{}, isAccessToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUserToken rejects AccessToken-authenticated callers with 403,
// protecting management endpoints per §4.5's last sentence. It must run
// after Handler in the middleware chain.
func RequireUserToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ContextIsAccessToken(r.Context()) {
			writeError(w, http.StatusForbidden, errors.New("access tokens cannot use management endpoints"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorEnvelope is the §6 error body shape.
type errorEnvelope struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: err.Error()})
}
