package server

import (
	"net/http"
	"time"

	"github.com/fleetkey/relay/internal/relay"
)

// handleListModels returns the OpenAI-compatible model list for the
// authenticated caller: the union of every model spec's match set (base
// id, alias, and "base$alias" form) across every Key they own, per §4.1's
// per-key availableModels overrides.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if user == nil {
		writeAPIError(w, r.Context(), relay.ErrAuth)
		return
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, key := range user.Keys {
		for _, spec := range key.EffectiveModels() {
			for _, id := range spec.MatchSet() {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	for alias := range user.ModelAliases {
		if _, ok := seen[alias]; ok {
			continue
		}
		seen[alias] = struct{}{}
		ids = append(ids, alias)
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(ids))
	for i, id := range ids {
		data[i] = modelEntry{ID: id, Object: "model", Created: now, OwnedBy: "relay"}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
