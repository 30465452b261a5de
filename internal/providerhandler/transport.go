package providerhandler

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/fleetkey/relay/internal/relay"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional cached DNS resolution. forceHTTP2 should be true for remote
// HTTPS APIs and false for local/plaintext endpoints.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// ClassifyResponseError reads the upstream error body and returns the §7
// taxonomy error matching its status: 429 becomes a ThrottledError, 401/403
// a PermanentKeyFailure (the router stickies the key), everything else an
// upstream error wrapping ErrTransientUpstream.
func ClassifyResponseError(providerName string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &relay.ThrottledError{Provider: providerName, Detail: string(body)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &relay.PermanentKeyFailure{Provider: providerName, Reason: string(body)}
	default:
		return &upstreamError{provider: providerName, status: resp.StatusCode, body: string(body)}
	}
}

// upstreamError wraps relay.ErrTransientUpstream while keeping the raw
// status/body for logging and for the error message.
type upstreamError struct {
	provider string
	status   int
	body     string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s: %s: HTTP %d: %s", relay.ErrTransientUpstream, e.provider, e.status, e.body)
}

func (e *upstreamError) Unwrap() error { return relay.ErrTransientUpstream }

func (e *upstreamError) HTTPStatus() int { return e.status }

// hopByHopHeaders must never be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// authHeaders are stripped from the inbound request before ForwardRequest
// applies the provider's own credentials via setAuth.
var authHeaders = map[string]struct{}{
	"authorization":    {},
	"x-api-key":        {},
	"x-goog-api-key":   {},
	"api-key":          {},
}

// ForwardRequest proxies a raw HTTP request to an upstream provider API,
// injecting provider-specific auth headers and streaming the response back
// with flush-on-read for SSE/NDJSON bodies.
func ForwardRequest(ctx context.Context, client *http.Client, baseURL string,
	setAuth func(http.Header), w http.ResponseWriter, r *http.Request, path string) error {

	targetURL := baseURL + path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		return fmt.Errorf("providerhandler: create request: %w", err)
	}

	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if _, isAuth := authHeaders[strings.ToLower(key)]; isAuth {
			continue
		}
		outReq.Header[key] = vals
	}
	if setAuth != nil {
		setAuth(outReq.Header)
	}

	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return fmt.Errorf("providerhandler: do request: %w", err)
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	if needsFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("providerhandler: write response: %w", writeErr)
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return fmt.Errorf("providerhandler: read response: %w", readErr)
			}
		}
	}

	const maxResponseBody = 32 << 20
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return fmt.Errorf("providerhandler: copy response: %w", err)
	}
	return nil
}
