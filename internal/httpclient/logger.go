package httpclient

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RoundTripperFunc implements http.RoundTripper for convenient usage.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip satisfies http.RoundTripper and calls fn.
func (fn RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}

// Logger logs every attempt through the request's context logger.
// Only method, path, status and timing are logged; headers never are.
func Logger() func(t http.RoundTripper) http.RoundTripper {
	return func(t http.RoundTripper) http.RoundTripper {
		if t == nil {
			t = http.DefaultTransport
		}
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			logger := log.Ctx(r.Context())

			resp, err := t.RoundTrip(r)

			var ev *zerolog.Event
			msg := ""
			switch {
			case err != nil:
				ev = logger.Debug().Err(err)
				msg = "request failed"
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				ev = logger.Warn().Int("status", resp.StatusCode)
				msg = http.StatusText(resp.StatusCode)
			case resp.StatusCode >= 400:
				ev = logger.Debug().Int("status", resp.StatusCode)
				msg = http.StatusText(resp.StatusCode)
			default:
				ev = logger.Trace().Int("status", resp.StatusCode)
				msg = http.StatusText(resp.StatusCode)
			}
			ev.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int64("elapsed_ms", time.Since(start).Milliseconds()).
				Msg(msg)
			return resp, err
		})
	}
}
