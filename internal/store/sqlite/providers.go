package sqlite

import (
	"context"

	"github.com/fleetkey/relay/internal/relay"
)

// UpsertProvider inserts or replaces a provider's static configuration.
func (s *Store) UpsertProvider(ctx context.Context, p *relay.Provider) error {
	models := make([]string, len(p.Models))
	for i, m := range p.Models {
		models[i] = m.String()
	}
	modelsJSON, err := marshalJSON(models)
	if err != nil {
		return err
	}
	protoJSON, err := marshalJSON(p.NativeProtocols)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (name, display_name, throttle_mode, min_throttle_duration, max_throttle_duration, models, native_protocols)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   display_name=excluded.display_name, throttle_mode=excluded.throttle_mode,
		   min_throttle_duration=excluded.min_throttle_duration, max_throttle_duration=excluded.max_throttle_duration,
		   models=excluded.models, native_protocols=excluded.native_protocols`,
		p.Name, p.DisplayName, string(p.ThrottleMode), p.MinThrottleDuration, p.MaxThrottleDuration, modelsJSON, protoJSON,
	)
	return err
}

// GetProvider retrieves a provider by name.
func (s *Store) GetProvider(ctx context.Context, name string) (*relay.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT name, display_name, throttle_mode, min_throttle_duration, max_throttle_duration, models, native_protocols
		 FROM providers WHERE name = ?`, name,
	)
	return scanProvider(row)
}

// ListProviders returns every configured provider.
func (s *Store) ListProviders(ctx context.Context) ([]relay.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, display_name, throttle_mode, min_throttle_duration, max_throttle_duration, models, native_protocols
		 FROM providers ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider by name.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE name=?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(sc scanner) (*relay.Provider, error) {
	var p relay.Provider
	var mode string
	var modelsJSON, protoJSON string

	if err := sc.Scan(&p.Name, &p.DisplayName, &mode, &p.MinThrottleDuration, &p.MaxThrottleDuration, &modelsJSON, &protoJSON); err != nil {
		return nil, notFoundErr(err)
	}
	p.ThrottleMode = relay.ThrottleMode(mode)

	rawModels, err := unmarshalJSON(modelsJSON, []string{})
	if err != nil {
		return nil, err
	}
	p.Models = make([]relay.ModelSpec, len(rawModels))
	for i, raw := range rawModels {
		p.Models[i] = relay.ParseModelSpec(raw)
	}

	protocols, err := unmarshalJSON(protoJSON, []relay.Protocol{})
	if err != nil {
		return nil, err
	}
	p.NativeProtocols = protocols

	return &p, nil
}
