// Package httpclient builds the retrying HTTP client shared by the provider adapters.
package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/waabox/cilens/internal/domain"
)

const (
	DefaultMaxRetries = 30
	DefaultRetryDelay = 10 * time.Second
	DefaultTimeout    = 30 * time.Second
)

// Options configures the retry policy.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// New returns a client that retries network errors, 429 and 5xx responses
// with a fixed delay. Other responses are returned as-is for the caller to map.
// When retries run out the error is a *domain.TransientError.
func New(opts Options) *retryablehttp.Client {
	opts = opts.withDefaults()

	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = opts.MaxRetries
	c.RetryWaitMin = opts.RetryDelay
	c.RetryWaitMax = opts.RetryDelay
	c.Backoff = FixedBackoff
	c.CheckRetry = CheckRetry
	c.ErrorHandler = giveUp
	c.HTTPClient.Timeout = opts.Timeout
	c.HTTPClient.Transport = Logger()(c.HTTPClient.Transport)
	return c
}

// FixedBackoff always waits min.
func FixedBackoff(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
	return min
}

// CheckRetry decides whether a request should be retried.
func CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return true, nil
	}
	return IsTransientStatus(resp.StatusCode), nil
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func giveUp(resp *http.Response, err error, attempts int) (*http.Response, error) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, &domain.TransientError{StatusCode: status, Attempts: attempts, Err: err}
}
