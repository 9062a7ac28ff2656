// Package fetch retrieves a single upstream resource to a local file.
//
// Every Fetcher makes exactly one attempt per call and streams the body to
// disk. Retrying, validation and cleanup are the caller's job.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/artifact-mirror/backend"
)

// ErrStorage marks failures writing the destination file. Callers treat it
// as fatal rather than retrying.
var ErrStorage = backend.ErrStorage

// Options apply to a single fetch.
type Options struct {
	// Timeout bounds the whole attempt, including the body transfer.
	// Zero means no timeout beyond the context.
	Timeout time.Duration

	// Identity is sent as the User-Agent so upstream operators can tell
	// who is mirroring them.
	Identity string
}

// Fetcher retrieves url into dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, opts Options) error
}

// Error describes a failed upstream attempt.
type Error struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: status %d: %s", e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("fetching %s: %s", e.URL, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// writeFile streams r into dest, truncating any previous content.
// Write-side failures wrap ErrStorage; read-side failures do not.
func writeFile(dest string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: creating %s: %w", ErrStorage, dest, err)
	}

	n, err := io.Copy(storageWriter{f}, r)
	if err != nil {
		_ = f.Close()
		return n, err
	}

	if err := f.Close(); err != nil {
		return n, fmt.Errorf("%w: closing %s: %w", ErrStorage, dest, err)
	}
	return n, nil
}

// storageWriter tags write errors so they can be told apart from body read
// errors after io.Copy.
type storageWriter struct {
	f *os.File
}

func (w storageWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: writing %s: %w", ErrStorage, w.f.Name(), err)
	}
	return n, nil
}

// copyBody writes body to dest and classifies the failure.
func copyBody(url, dest string, body io.Reader) (int64, error) {
	n, err := writeFile(dest, body)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, ErrStorage) {
		return n, err
	}
	return n, &Error{URL: url, Reason: fmt.Sprintf("reading body: %v", err), Err: err}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
