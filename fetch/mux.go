package fetch

import (
	"context"
	"net/url"
	"strings"
)

// Mux dispatches to a Fetcher by URL scheme.
type Mux struct {
	fetchers map[string]Fetcher
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{fetchers: make(map[string]Fetcher)}
}

// Handle registers f for scheme.
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.fetchers[strings.ToLower(scheme)] = f
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, rawURL, dest string, opts Options) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Error{URL: rawURL, Reason: "invalid url", Err: err}
	}
	f, ok := m.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return &Error{URL: rawURL, Reason: "unsupported scheme " + u.Scheme}
	}
	return f.Fetch(ctx, rawURL, dest, opts)
}

var _ Fetcher = (*Mux)(nil)
