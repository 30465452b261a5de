package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/fleetkey/relay/internal/relay"
)

const keyColumns = `k.id, k.user_id, k.provider_name, k.key_data, k.throttle_data, k.permanently_failed,
	k.paused, k.notes, k.base_url, k.available_models,
	p.name, p.display_name, p.throttle_mode, p.min_throttle_duration, p.max_throttle_duration, p.models, p.native_protocols`

const keyJoin = `FROM keys k JOIN providers p ON p.name = k.provider_name`

// CreateKey inserts a new key.
func (s *Store) CreateKey(ctx context.Context, k *relay.Key) error {
	avail, err := marshalJSON(nonNilStrings(k.AvailableModels))
	if err != nil {
		return err
	}
	throttle, err := marshalJSON(nonNilThrottle(k.ThrottleData))
	if err != nil {
		return err
	}
	keyData := k.KeyData
	if keyData == nil {
		keyData = json.RawMessage("{}")
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO keys (id, user_id, provider_name, key_data, throttle_data, permanently_failed, paused, notes, base_url, available_models, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.ProviderName, string(keyData), throttle, boolToInt(k.PermanentlyFailed), boolToInt(k.Paused), k.Notes, k.BaseURL, avail, nowStr(),
	)
	return err
}

// GetKey retrieves one key, joined with its provider's static config.
func (s *Store) GetKey(ctx context.Context, id string) (*relay.Key, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+keyColumns+` `+keyJoin+` WHERE k.id = ?`, id)
	return scanKey(row)
}

// ListKeysForUser returns every key a user owns.
func (s *Store) ListKeysForUser(ctx context.Context, userID string) ([]relay.Key, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+keyColumns+` `+keyJoin+` WHERE k.user_id = ? ORDER BY k.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

// ListKeysForProvider returns every key scoped to a provider, across all
// users — used by the maintenance worker's sweep.
func (s *Store) ListKeysForProvider(ctx context.Context, providerName string) ([]relay.Key, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+keyColumns+` `+keyJoin+` WHERE k.provider_name = ? ORDER BY k.created_at`, providerName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

// DeleteKey removes a key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "key")
}

// UpdateKey writes only the fields whose *Set flag is true (§6 updateKey),
// so the throttle engine's commit path and a management-API edit of, say,
// Notes never clobber each other's concurrent writes.
func (s *Store) UpdateKey(ctx context.Context, id string, throttleData map[string]relay.BucketState, throttleDataSet bool, keyData []byte, keyDataSet bool, permanentlyFailed bool, permanentlyFailedSet bool) error {
	if !throttleDataSet && !keyDataSet && !permanentlyFailedSet {
		return nil
	}

	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if throttleDataSet {
		encoded, err := marshalJSON(nonNilThrottle(throttleData))
		if err != nil {
			return err
		}
		sets = append(sets, "throttle_data=?")
		args = append(args, encoded)
	}
	if keyDataSet {
		sets = append(sets, "key_data=?")
		args = append(args, string(keyData))
	}
	if permanentlyFailedSet {
		sets = append(sets, "permanently_failed=?")
		args = append(args, boolToInt(permanentlyFailed))
	}
	args = append(args, id)

	query := "UPDATE keys SET " + joinSets(sets) + " WHERE id=?"
	result, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "key")
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func scanKeys(rows *sql.Rows) ([]relay.Key, error) {
	var out []relay.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func scanKey(sc scanner) (*relay.Key, error) {
	var k relay.Key
	var keyData, throttleJSON, availJSON string
	var permFailed, paused int
	var mode string
	var modelsJSON, protoJSON string

	err := sc.Scan(
		&k.ID, &k.UserID, &k.ProviderName, &keyData, &throttleJSON, &permFailed,
		&paused, &k.Notes, &k.BaseURL, &availJSON,
		&k.Provider.Name, &k.Provider.DisplayName, &mode, &k.Provider.MinThrottleDuration, &k.Provider.MaxThrottleDuration, &modelsJSON, &protoJSON,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.KeyData = json.RawMessage(keyData)
	k.PermanentlyFailed = permFailed != 0
	k.Paused = paused != 0
	k.Provider.ThrottleMode = relay.ThrottleMode(mode)

	throttle, err := unmarshalJSON(throttleJSON, map[string]relay.BucketState{})
	if err != nil {
		return nil, err
	}
	if len(throttle) > 0 {
		k.ThrottleData = throttle
	}

	avail, err := unmarshalJSON(availJSON, []string{})
	if err != nil {
		return nil, err
	}
	k.AvailableModels = avail

	rawModels, err := unmarshalJSON(modelsJSON, []string{})
	if err != nil {
		return nil, err
	}
	k.Provider.Models = make([]relay.ModelSpec, len(rawModels))
	for i, raw := range rawModels {
		k.Provider.Models[i] = relay.ParseModelSpec(raw)
	}

	protocols, err := unmarshalJSON(protoJSON, []relay.Protocol{})
	if err != nil {
		return nil, err
	}
	k.Provider.NativeProtocols = protocols

	return &k, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilThrottle(m map[string]relay.BucketState) map[string]relay.BucketState {
	if m == nil {
		return map[string]relay.BucketState{}
	}
	return m
}
