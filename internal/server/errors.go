package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetkey/relay/internal/relay"
)

// errorEnvelope is the §6 error response body: a single message plus the
// optional aggregated per-attempt messages the router collected.
type errorEnvelope struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// detailer is implemented by relay.AttemptsError, letting the HTTP layer
// surface every attempt's message without a type switch that has to know
// the concrete aggregate type.
type detailer interface {
	Details() []string
}

// errorStatus maps an error from the router/authn layer onto the §7 status
// code: 401 for auth failures, 429 when the failure carries an
// HTTPStatuser reporting 429 (ThrottledError), 500 otherwise. Any other
// status an HTTPStatuser reports, such as an upstream error response's own
// status, is not passed through.
func errorStatus(err error) int {
	if errors.Is(err, relay.ErrAuth) {
		return http.StatusUnauthorized
	}
	var hs relay.HTTPStatuser
	if errors.As(err, &hs) && hs.HTTPStatus() == http.StatusTooManyRequests {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func errorDetails(err error) []string {
	var d detailer
	if errors.As(err, &d) {
		return d.Details()
	}
	return nil
}

// writeAPIError logs the failure server-side and writes the JSON error
// envelope the client sees.
func writeAPIError(w http.ResponseWriter, ctx context.Context, err error) {
	status := errorStatus(err)
	slog.LogAttrs(ctx, slog.LevelError, "request failed",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorEnvelope{Error: err.Error(), Details: errorDetails(err)})
}

// writeBadRequest writes a 400 with a plain message, used for request
// decode/validation failures that never reach the router.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: msg})
}

// jsonCT is a pre-allocated header value slice; direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
