package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fleetkey/relay/internal/relay"
	"github.com/fleetkey/relay/internal/store"
)

// Bootstrap seeds the credential store from the config file on first run:
// providers are upserted unconditionally (their definition is config-owned
// and may legitimately change between deploys), while users and keys are
// only created the first time they are seen (a user by its token, a key by
// its provider and base URL under that user), so a
// restart never clobbers state a management endpoint has since mutated.
func Bootstrap(ctx context.Context, cfg *Config, st store.Store) error {
	for _, p := range cfg.Providers {
		provider, err := toProvider(p)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if err := st.UpsertProvider(ctx, provider); err != nil {
			return fmt.Errorf("upsert provider %q: %w", p.Name, err)
		}
		slog.Info("bootstrapped provider", "name", provider.Name, "models", len(provider.Models))
	}

	for _, u := range cfg.Users {
		existing, _ := st.GetUserByToken(ctx, u.Token)
		if existing == nil {
			user := &relay.User{
				ID:           uuid.Must(uuid.NewV7()).String(),
				Token:        u.Token,
				DisplayName:  u.DisplayName,
				ModelAliases: u.ModelAliases,
			}
			if err := st.CreateUser(ctx, user); err != nil {
				return fmt.Errorf("create user %q: %w", u.DisplayName, err)
			}
			existing = user
			slog.Info("bootstrapped user", "display_name", u.DisplayName)
		}

		for _, k := range u.Keys {
			if err := seedKey(ctx, st, existing.ID, k); err != nil {
				return fmt.Errorf("seed key for user %q, provider %q: %w", u.DisplayName, k.Provider, err)
			}
		}
	}

	return nil
}

func seedKey(ctx context.Context, st store.Store, userID string, k KeyEntry) error {
	existing, err := st.ListKeysForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, ek := range existing {
		if ek.ProviderName == k.Provider && ek.BaseURL == k.BaseURL {
			return nil // already seeded
		}
	}

	var keyData json.RawMessage
	if k.KeyData != "" {
		if !json.Valid([]byte(k.KeyData)) {
			return fmt.Errorf("key_data is not valid JSON")
		}
		keyData = json.RawMessage(k.KeyData)
	}

	key := &relay.Key{
		ID:              uuid.Must(uuid.NewV7()).String(),
		UserID:          userID,
		ProviderName:    k.Provider,
		KeyData:         keyData,
		BaseURL:         k.BaseURL,
		AvailableModels: k.AvailableModels,
	}
	if err := st.CreateKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrapped key", "provider", k.Provider, "user_id", userID)
	return nil
}

func toProvider(p ProviderEntry) (*relay.Provider, error) {
	mode := relay.ThrottleMode(p.ThrottleMode)
	if mode == "" {
		mode = relay.ThrottleByKey
	}
	if mode != relay.ThrottleByKey && mode != relay.ThrottleByModel {
		return nil, fmt.Errorf("throttle_mode must be BY_KEY or BY_MODEL, got %q", p.ThrottleMode)
	}
	if p.MinThrottleDuration < 0 || p.MaxThrottleDuration < 0 {
		return nil, fmt.Errorf("throttle durations must be non-negative")
	}
	if p.MinThrottleDuration > p.MaxThrottleDuration {
		return nil, fmt.Errorf("min_throttle_duration (%d) exceeds max_throttle_duration (%d)", p.MinThrottleDuration, p.MaxThrottleDuration)
	}

	models := make([]relay.ModelSpec, len(p.Models))
	for i, m := range p.Models {
		models[i] = relay.ParseModelSpec(m)
	}

	protocols := make([]relay.Protocol, len(p.NativeProtocols))
	for i, pr := range p.NativeProtocols {
		protocols[i] = relay.Protocol(pr)
	}

	return &relay.Provider{
		Name:                p.Name,
		DisplayName:         p.DisplayName,
		ThrottleMode:        mode,
		MinThrottleDuration: p.MinThrottleDuration,
		MaxThrottleDuration: p.MaxThrottleDuration,
		Models:              models,
		NativeProtocols:     protocols,
	}, nil
}
