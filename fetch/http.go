package fetch

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/wolfeidau/artifact-mirror/credentials"
	"github.com/wolfeidau/artifact-mirror/telemetry"
)

// HTTP fetches http and https URLs.
type HTTP struct {
	client   *resty.Client
	creds    *credentials.Credentials
	insecure bool
	base     http.RoundTripper
	logger   *slog.Logger
}

// HTTPOption configures an HTTP fetcher.
type HTTPOption func(*HTTP)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = l
	}
}

// WithInsecureSkipVerify disables TLS peer verification. Some artifact
// origins run with broken certificate chains; this is off by default.
func WithInsecureSkipVerify(insecure bool) HTTPOption {
	return func(h *HTTP) {
		h.insecure = insecure
	}
}

// WithCredentials attaches per-origin credentials.
func WithCredentials(c *credentials.Credentials) HTTPOption {
	return func(h *HTTP) {
		h.creds = c
	}
}

// WithTransport replaces the base round tripper. Mostly for tests.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(h *HTTP) {
		h.base = rt
	}
}

// NewHTTP creates an HTTP fetcher.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "fetch")

	base := h.base
	if base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if h.insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per configuration
		}
		base = tr
	}

	h.client = resty.New().
		SetTransport(telemetry.NewInstrumentedTransport(base, "")).
		SetRetryCount(0)

	return h
}

// Fetch performs one GET of url and streams a 2xx body into dest.
func (h *HTTP) Fetch(ctx context.Context, url, dest string, opts Options) error {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	req := h.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if opts.Identity != "" {
		req.SetHeader("User-Agent", opts.Identity)
	}
	if o := h.creds.For(url); o != nil {
		switch {
		case o.Token != "":
			req.SetAuthToken(o.Token)
		case o.HasBasic():
			req.SetBasicAuth(o.Username, o.Password)
		}
	}

	resp, err := req.Get(url)
	if err != nil {
		return &Error{URL: url, Reason: err.Error(), Err: err}
	}

	body := resp.RawBody()
	defer body.Close()

	if code := resp.StatusCode(); code < 200 || code > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
		return &Error{URL: url, StatusCode: code, Reason: http.StatusText(code)}
	}

	n, err := copyBody(url, dest, body)
	if err != nil {
		return err
	}

	h.logger.Debug("fetched", "url", url, "dest", dest, "bytes", n)
	return nil
}

var _ Fetcher = (*HTTP)(nil)
