// Package httpkit builds the outbound HTTP clients shared by the
// gateway, planner, calendar, and forge code. Every client gets the
// same pooled transport, a User-Agent, and optionally a single retry
// with backoff, so the callers never hand-roll retry loops or tune
// sockets themselves.
package httpkit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/tallow/seneschal/internal/buildinfo"
)

// Option configures a client built by NewClient.
type Option func(*settings)

type settings struct {
	timeout     time.Duration
	userAgent   string
	retryWait   time.Duration
	insecureTLS bool
	logger      *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// long-polling and streaming callers need.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithUserAgent replaces the default User-Agent derived from build
// metadata.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// WithTLSInsecureSkipVerify accepts any server certificate. Meant for
// self-hosted services on self-signed certs, nothing public.
func WithTLSInsecureSkipVerify() Option {
	return func(s *settings) { s.insecureTLS = true }
}

// WithRetry allows one repeat attempt after wait on connection-level
// failures and 502/503/504 responses. Requests whose body cannot be
// rewound through GetBody are never retried.
func WithRetry(wait time.Duration) Option {
	return func(s *settings) { s.retryWait = wait }
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// NewClient returns an *http.Client carrying the shared transport
// defaults and whatever the options add.
func NewClient(opts ...Option) *http.Client {
	s := settings{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &http.Client{
		Timeout: s.timeout,
		Transport: &transport{
			base:      newPooledTransport(s.insecureTLS),
			userAgent: s.userAgent,
			retryWait: s.retryWait,
			logger:    s.logger,
		},
	}
}

// newPooledTransport tunes dial, handshake, and idle-pool behavior for
// the small set of long-lived local services this process talks to.
func newPooledTransport(insecureTLS bool) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
	if insecureTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}
	return t
}

// transport is the single RoundTripper layer: it stamps the User-Agent
// and, when retryWait is set, reissues a request once after a
// transient failure.
type transport struct {
	base      http.RoundTripper
	userAgent string
	retryWait time.Duration
	logger    *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	if t.retryWait <= 0 || !shouldRetry(resp, err) || !rewindable(req) {
		return resp, err
	}

	if resp != nil {
		DrainAndClose(resp.Body, 4096)
	}
	if t.logger != nil {
		t.logger.Debug("retrying after transient failure",
			"method", req.Method,
			"url", req.URL.String(),
			"cause", retryCause(resp, err),
		)
	}

	select {
	case <-req.Context().Done():
		return nil, req.Context().Err()
	case <-time.After(t.retryWait):
	}

	again := req.Clone(req.Context())
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("httpkit: rewind request body: %w", bodyErr)
		}
		again.Body = body
	}
	return t.base.RoundTrip(again)
}

// rewindable reports whether the request can be issued a second time.
// Bodyless requests always can; anything else needs GetBody.
func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// shouldRetry covers failures that happen before the server acts on the
// request: refused or unroutable connections, and the 502/503/504 a
// proxy returns while the backend restarts. ECONNRESET stays out
// because a reset can arrive after the server already processed the
// request.
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		// errors.As unwraps through url.Error, net.OpError, and
		// os.SyscallError, so a single walk reaches the errno.
		var errno syscall.Errno
		if errors.As(err, &errno) {
			switch errno {
			case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
				return true
			}
		}
		return false
	}
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryCause(resp *http.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp != nil {
		return resp.Status
	}
	return "unknown"
}

// DrainAndClose consumes up to limit leftover bytes and closes rc so
// the underlying connection returns to the pool. Nil rc is a no-op.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, rc, limit)
	rc.Close()
}

// ReadErrorBody captures up to limit bytes of a failed response for
// the error message, then drains and closes the rest. Nil rc yields an
// empty string.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	b, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return strings.TrimSpace(string(b))
}
