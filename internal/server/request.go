package server

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	"github.com/fleetkey/relay/internal/router"
)

// bodyPool reuses buffers for request body reads, avoiding a per-request
// allocation that a one-shot io.ReadAll would otherwise cost.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody bounds a single request body (4 MB).
const maxRequestBody = 4 << 20

// readBody reads r's body through bodyPool, returning a detached copy safe
// to use after the buffer is returned to the pool. Writes a 400 and returns
// false on any read error.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeBadRequest(w, "failed to read request body")
		return nil, false
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)
	return body, true
}

// withAfterResponseHook schedules the router's throttle-state commit to run
// off the request's critical path, once the HTTP response has already been
// written, rather than blocking the client on a store round trip (§5/§9).
func withAfterResponseHook(ctx context.Context) context.Context {
	return router.ContextWithAfterResponseHook(ctx, func(fn func()) { go fn() })
}
