package sqlite

import (
	"context"
	"database/sql"

	"github.com/fleetkey/relay/internal/relay"
)

// CreateUser inserts a new user, ignoring any Keys field (keys are created
// separately via CreateKey).
func (s *Store) CreateUser(ctx context.Context, u *relay.User) error {
	aliases, err := marshalJSON(nonNilAliases(u.ModelAliases))
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, token, display_name, model_aliases, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Token, u.DisplayName, aliases, nowStr(),
	)
	return err
}

// UpdateUser updates display name and alias map; tokens are immutable once
// issued.
func (s *Store) UpdateUser(ctx context.Context, u *relay.User) error {
	aliases, err := marshalJSON(nonNilAliases(u.ModelAliases))
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET display_name=?, model_aliases=? WHERE id=?`,
		u.DisplayName, aliases, u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// DeleteUser removes a user and, via ON DELETE CASCADE, its keys and
// access tokens.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// GetUser retrieves a user by id along with their keys.
func (s *Store) GetUser(ctx context.Context, id string) (*relay.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, token, display_name, model_aliases FROM users WHERE id = ?`, id,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	return s.attachKeys(ctx, u)
}

// GetUserByToken resolves a user by their bearer token, the primary
// authentication-middleware lookup (§4.5).
func (s *Store) GetUserByToken(ctx context.Context, token string) (*relay.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, token, display_name, model_aliases FROM users WHERE token = ?`, token,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	return s.attachKeys(ctx, u)
}

// ListUsers returns a page of users, without their keys populated (callers
// needing keys fetch them per-user via GetUser).
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*relay.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, token, display_name, model_aliases FROM users ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) attachKeys(ctx context.Context, u *relay.User) (*relay.User, error) {
	keys, err := s.ListKeysForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Keys = keys
	return u, nil
}

func scanUser(sc scanner) (*relay.User, error) {
	var u relay.User
	var aliasesJSON sql.NullString
	if err := sc.Scan(&u.ID, &u.Token, &u.DisplayName, &aliasesJSON); err != nil {
		return nil, notFoundErr(err)
	}
	aliases, err := unmarshalJSON(aliasesJSON.String, map[string]string{})
	if err != nil {
		return nil, err
	}
	u.ModelAliases = aliases
	return &u, nil
}

func nonNilAliases(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
