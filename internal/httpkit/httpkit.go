// Package httpkit builds the outbound HTTP clients ingestd's components
// share: the writer's batch POSTs, the weather enricher's lookups, and
// alert notification webhooks. Each caller constructs its own
// *http.Client with explicit dial and request timeouts so a stalled
// dependency can't hold a pipeline worker past its budget, while the
// transport defaults keep connection pooling and keep-alives uniform
// across components.
package httpkit

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hausdata/ingestd/internal/buildinfo"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultDialTimeout    = 5 * time.Second

	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 15 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 20
	maxIdleConnsPerHost   = 5
)

type options struct {
	requestTimeout time.Duration
	dialTimeout    time.Duration
	userAgent      string
	noUserAgent    bool
	insecureTLS    bool
	transport      *http.Transport
}

// ClientOption configures a client built by NewClient.
type ClientOption func(*options)

// WithTimeout sets the overall per-request deadline, covering dial,
// request write, and the full response body read. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.requestTimeout = d }
}

// WithDialTimeout bounds TCP connection establishment separately from
// the request deadline, so a component can fail fast on an unreachable
// host while still allowing a slow response to complete.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.dialTimeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(o *options) { o.userAgent = ua }
}

// WithoutUserAgent disables User-Agent injection entirely.
func WithoutUserAgent() ClientOption {
	return func(o *options) { o.noUserAgent = true }
}

// WithInsecureTLS skips TLS certificate verification, for hubs and
// databases serving self-signed certificates on a LAN.
func WithInsecureTLS() ClientOption {
	return func(o *options) { o.insecureTLS = true }
}

// WithTransport substitutes a caller-owned transport. The dial-timeout
// and TLS options still apply to it.
func WithTransport(t *http.Transport) ClientOption {
	return func(o *options) { o.transport = t }
}

// NewTransport returns a transport with the shared pooling and timeout
// defaults, dialing with the given connect timeout.
func NewTransport(dialTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client from opts. With no options it gets a
// 30s request timeout, a 5s dial timeout, and an ingestd User-Agent.
func NewClient(opts ...ClientOption) *http.Client {
	o := options{
		requestTimeout: defaultRequestTimeout,
		userAgent:      buildinfo.UserAgent(),
	}
	for _, apply := range opts {
		apply(&o)
	}

	t := o.transport
	if t == nil {
		t = NewTransport(o.dialTimeout)
	} else if o.dialTimeout > 0 {
		t.DialContext = (&net.Dialer{
			Timeout:   o.dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}

	if o.insecureTLS {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	var rt http.RoundTripper = t
	if !o.noUserAgent {
		rt = &userAgentTransport{base: t, ua: o.userAgent}
	}

	return &http.Client{
		Timeout:   o.requestTimeout,
		Transport: rt,
	}
}

// userAgentTransport injects the User-Agent header on every request
// unless the caller already set one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone rather than mutate; RoundTripper contract.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it, so the
// underlying connection returns to the pool instead of being torn down.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of rc for inclusion in an error
// message, draining and closing the remainder. Returns "" for nil rc.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
