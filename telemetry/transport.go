package telemetry

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"
)

// Outcomes recorded on mirror_upstream_fetch_total.
const (
	FetchSuccess    = "success"
	FetchHTML       = "html"
	FetchClientErr  = "4xx"
	FetchServerErr  = "5xx"
	FetchError      = "error"
	FetchCanceled   = "canceled"
	FetchIncomplete = "incomplete"
)

// InstrumentedTransport records one upstream fetch per request once its body
// is consumed or closed.
//
// The mirror label comes from the transport when set, otherwise from the
// request context (see WithMirrorContext), so a single transport can serve
// every mirror type.
type InstrumentedTransport struct {
	base   http.RoundTripper
	mirror string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when base is
// nil.
func NewInstrumentedTransport(base http.RoundTripper, mirror string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, mirror: mirror}
}

func (t *InstrumentedTransport) mirrorFor(ctx context.Context) string {
	if t.mirror != "" {
		return t.mirror
	}
	return MirrorFromContext(ctx)
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	f := &upstreamFetch{ctx: ctx, mirror: t.mirrorFor(ctx), start: time.Now()}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		f.finish(failureOutcome(ctx, err))
		return nil, err
	}

	f.outcome = responseOutcome(resp)
	f.expected = resp.ContentLength
	resp.Body = &upstreamBody{body: resp.Body, fetch: f}
	return resp, nil
}

// responseOutcome classifies a response by status. A successful response
// carrying an HTML page is counted separately since mirrors expect archives.
func responseOutcome(resp *http.Response) string {
	switch {
	case resp.StatusCode >= 500:
		return FetchServerErr
	case resp.StatusCode >= 400:
		return FetchClientErr
	case isHTML(resp.Header.Get("Content-Type")):
		return FetchHTML
	}
	return FetchSuccess
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

func failureOutcome(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return FetchCanceled
	}
	return FetchError
}

// upstreamFetch accumulates one request's measurements and records them once.
type upstreamFetch struct {
	ctx      context.Context
	mirror   string
	start    time.Time
	outcome  string
	expected int64

	mu   sync.Mutex
	read int64
	once sync.Once
}

func (f *upstreamFetch) add(n int) {
	f.mu.Lock()
	f.read += int64(n)
	f.mu.Unlock()
}

func (f *upstreamFetch) finish(outcome string) {
	f.once.Do(func() {
		f.mu.Lock()
		read := f.read
		f.mu.Unlock()
		RecordUpstreamFetch(f.ctx, f.mirror, time.Since(f.start), read, outcome)
	})
}

// upstreamBody feeds reads into its fetch. Reaching EOF records the response
// outcome; a read error or a close with bytes still expected records the
// failure instead.
type upstreamBody struct {
	body  io.ReadCloser
	fetch *upstreamFetch
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.fetch.add(n)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		b.fetch.finish(b.fetch.outcome)
	default:
		b.fetch.finish(failureOutcome(b.fetch.ctx, err))
	}
	return n, err
}

func (b *upstreamBody) Close() error {
	f := b.fetch
	f.mu.Lock()
	short := f.expected > 0 && f.read < f.expected
	f.mu.Unlock()

	if short {
		f.finish(FetchIncomplete)
	} else {
		f.finish(f.outcome)
	}
	return b.body.Close()
}
