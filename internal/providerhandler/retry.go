package providerhandler

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sethvargo/go-retry"
)

// maxTransportRetries bounds how many times WithTransportRetry retries a
// pure network fault (connection reset, dial timeout) before surfacing it.
// Upstream HTTP error responses are never retried here — the router already
// iterates across keys for those, and retrying a 429/5xx locally would just
// duplicate that loop and delay the throttle engine from seeing the failure.
// No provider handler in this module calls WithTransportRetry: each
// handler makes its upstream round trip once.
const maxTransportRetries = 2

// WithTransportRetry runs fn, retrying up to maxTransportRetries times with
// short exponential backoff when fn fails with a network-level error
// (net.Error), and returning immediately for any other error (including
// upstream HTTP error responses, which fn is expected to classify via
// ClassifyResponseError rather than return as Go errors from the HTTP
// round trip itself).
func WithTransportRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(maxTransportRetries, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return retry.RetryableError(err)
		}
		return err
	})
}
