package sqlite

import (
	"context"

	"github.com/fleetkey/relay/internal/relay"
)

// CreateAccessToken inserts a new access token scoped to its owning user.
func (s *Store) CreateAccessToken(ctx context.Context, t *relay.AccessToken) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO access_tokens (id, token, user_id, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Token, t.UserID, nowStr(),
	)
	return err
}

// GetAccessTokenByToken resolves an access token by its bearer value, the
// secondary authentication-middleware lookup (§4.5).
func (s *Store) GetAccessTokenByToken(ctx context.Context, token string) (*relay.AccessToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, token, user_id FROM access_tokens WHERE token = ?`, token,
	)
	var t relay.AccessToken
	if err := row.Scan(&t.ID, &t.Token, &t.UserID); err != nil {
		return nil, notFoundErr(err)
	}
	return &t, nil
}

// ListAccessTokens returns every access token owned by a user.
func (s *Store) ListAccessTokens(ctx context.Context, userID string) ([]*relay.AccessToken, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, token, user_id FROM access_tokens WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.AccessToken
	for rows.Next() {
		var t relay.AccessToken
		if err := rows.Scan(&t.ID, &t.Token, &t.UserID); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteAccessToken revokes an access token.
func (s *Store) DeleteAccessToken(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM access_tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "access token")
}
