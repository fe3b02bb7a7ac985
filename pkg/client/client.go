package client

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/replicate/rget/pkg/logging"
	"github.com/replicate/rget/pkg/version"
)

const (
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 3000 * time.Millisecond // do not backoff further than 3 seconds
	defaultConnTimeout  = 5 * time.Second
	maxRedirects        = 10
)

var errTooManyRedirects = errors.New("stopped after 10 redirects")

// Options configures the probe client. The zero value is usable.
type Options struct {
	// MaxRetries is the number of retries per request (not counting the first attempt).
	MaxRetries     int
	ConnectTimeout time.Duration
	ForceHTTP2     bool
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	// ResolveOverrides maps host:port to ip:port, bypassing DNS without touching Host or SNI.
	ResolveOverrides map[string]string
	// Transport replaces the default transport; tests use it to inject failures.
	Transport http.RoundTripper
}

// Client issues the probes and body fetches of a download pipeline. Every request is
// retried by go-retryablehttp according to RetryPolicy.
type Client struct {
	retryClient *retryablehttp.Client
	opts        Options
}

type UserAgentTransport struct {
	Transport http.RoundTripper
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set(headers.UserAgent, version.UserAgent())
	return t.Transport.RoundTrip(req)
}

func New(opts Options) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnTimeout
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = defaultRetryWaitMin
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = defaultRetryWaitMax
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	baseTransport := opts.Transport
	if baseTransport == nil {
		baseTransport = newTransport(opts)
	}

	retryClient := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport:     &UserAgentTransport{Transport: baseTransport},
			CheckRedirect: checkRedirectFunc,
		},
		Logger:       nil,
		RetryWaitMin: opts.RetryWaitMin,
		RetryWaitMax: opts.RetryWaitMax,
		RetryMax:     opts.MaxRetries,
		CheckRetry:   RetryPolicy,
		Backoff:      backoffFunc,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return &Client{retryClient: retryClient, opts: opts}
}

// MaxRetries reports the configured retry budget per request.
func (c *Client) MaxRetries() int {
	return c.opts.MaxRetries
}

func newTransport(opts Options) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: transportDialContext(&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}, opts.ResolveOverrides),
		ForceAttemptHTTP2:     opts.ForceHTTP2,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// ranges address the raw entity, never a transparently decoded one
		DisableCompression: true,
	}
}

// RetryPolicy wraps retryablehttp.DefaultRetryPolicy and records every failed
// attempt against the request so the caller can report the full chain of causes.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	shouldRetry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	if causes := causesFromContext(ctx); causes != nil {
		switch {
		case err != nil:
			causes.add(err)
		case shouldRetry && resp != nil:
			causes.add(ErrUnexpectedHTTPStatus(resp.StatusCode))
		}
	}
	return shouldRetry, checkErr
}

// backoffFunc is a wrapper around retryablehttp.DefaultBackoff that adds a random jitter bounded by the
// minimum wait, so that workers of one download do not hammer the origin in lockstep.
func backoffFunc(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	sleep := retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
	if min > 0 {
		sleep += time.Duration(rand.Int63n(int64(min)))
	}
	return sleep
}

// checkRedirectFunc logs redirects and keeps the standard library limit.
func checkRedirectFunc(req *http.Request, via []*http.Request) error {
	logger := logging.GetLogger()
	if len(via) >= maxRedirects {
		return errTooManyRedirects
	}
	event := logger.Trace().
		Str("redirect_url", req.URL.String()).
		Str("url", via[0].URL.String())
	if req.Response != nil {
		event = event.Int("status", req.Response.StatusCode)
	}
	event.Msg("Redirect")
	return nil
}

// transportDialContext is a wrapper around net.Dialer that allows for overriding DNS lookups via the values passed to
// `--resolve` argument.
func transportDialContext(dialer *net.Dialer, overrides map[string]string) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addrOverride := overrides[addr]; addrOverride != "" {
			logger := logging.GetLogger()
			logger.Debug().Str("addr", addr).Str("override", addrOverride).Msg("DNS Override")
			addr = addrOverride
		}
		return dialer.DialContext(ctx, network, addr)
	}
}
