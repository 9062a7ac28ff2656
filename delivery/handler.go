// Package delivery serves the content root over HTTP: artifacts with
// conditional and byte-range support, directories as JSON listings.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mirror "github.com/wolfeidau/artifact-mirror"
	"github.com/wolfeidau/artifact-mirror/cache"
	"github.com/wolfeidau/artifact-mirror/telemetry"
)

// DefaultListingTTL bounds how long a memoized listing is reused.
const DefaultListingTTL = 5 * time.Minute

// Handler serves GET and HEAD requests under a content root.
type Handler struct {
	root       string
	cache      *cache.Store
	listingTTL time.Duration
	logger     *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithCache memoizes directory listings in c.
func WithCache(c *cache.Store) Option {
	return func(h *Handler) {
		h.cache = c
	}
}

// WithListingTTL sets the lifetime of memoized listings.
func WithListingTTL(d time.Duration) Option {
	return func(h *Handler) {
		h.listingTTL = d
	}
}

// NewHandler creates a Handler for root.
func NewHandler(root string, opts ...Option) *Handler {
	h := &Handler{
		root:       root,
		listingTTL: DefaultListingTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "delivery")
	return h
}

// ETag returns the validator for an artifact: a quoted short BLAKE3 of its
// path and modification time.
func ETag(p string, modTime time.Time) string {
	h := mirror.HashString(p + "|" + strconv.FormatInt(modTime.UnixNano(), 10))
	return `"` + h.ShortString() + `"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetArea(r, telemetry.AreaDelivery)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hasDotDot(r.URL.Path) {
		http.NotFound(w, r)
		return
	}
	p, err := mirror.CleanPath(r.URL.Path)
	if err != nil || mirror.IsHidden(p) {
		http.NotFound(w, r)
		return
	}
	if first, _, _ := strings.Cut(p, "/"); first != "" {
		telemetry.SetMirror(r, first)
	}

	full := filepath.Join(h.root, filepath.FromSlash(p))
	fi, err := os.Stat(full)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.logger.Error("stat failed", "path", p, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
		return
	}

	switch {
	case fi.IsDir():
		telemetry.SetEndpoint(r, "listing")
		h.serveListing(w, r, full, p, fi.ModTime())
	case fi.Mode().IsRegular():
		telemetry.SetEndpoint(r, "artifact")
		h.serveFile(w, r, full, p, fi)
	default:
		http.NotFound(w, r)
	}
}

func hasDotDot(p string) bool {
	if !strings.Contains(p, "..") {
		return false
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, full, p string, fi os.FileInfo) {
	size := fi.Size()
	modTime := fi.ModTime()
	etag := ETag(p, modTime)

	hdr := w.Header()
	hdr.Set("ETag", etag)
	hdr.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	hdr.Set("Accept-Ranges", "bytes")

	if notModified(r, etag, modTime) {
		telemetry.SetResult(r, telemetry.ResultNotModified)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		h.logger.Error("opening artifact", "path", p, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	base := path.Base(p)
	hdr.Set("Content-Type", contentType(base))
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base))

	if rh := r.Header.Get("Range"); rh != "" && rangeApplies(r, etag, modTime) {
		br, ok, err := parseRange(rh, size)
		if err != nil {
			telemetry.SetResult(r, telemetry.ResultUnsatisfied)
			hdr.Del("Content-Disposition")
			hdr.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if ok {
			telemetry.SetResult(r, telemetry.ResultPartial)
			hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, size))
			hdr.Set("Content-Length", strconv.FormatInt(br.length(), 10))
			w.WriteHeader(http.StatusPartialContent)
			if r.Method != http.MethodHead {
				h.copy(w, io.NewSectionReader(f, br.start, br.length()), p)
			}
			return
		}
	}

	telemetry.SetResult(r, telemetry.ResultFull)
	hdr.Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		h.copy(w, f, p)
	}
}

func (h *Handler) copy(w io.Writer, r io.Reader, p string) {
	if _, err := io.Copy(w, r); err != nil {
		h.logger.Debug("client stream ended early", "path", p, "error", err)
	}
}

// notModified applies If-None-Match, falling back to If-Modified-Since only
// when no entity tag was sent.
func notModified(r *http.Request, etag string, modTime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return etagMatches(inm, etag)
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !modTime.Truncate(time.Second).After(t)
	}
	return false
}

func etagMatches(list, etag string) bool {
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// rangeApplies honours If-Range: a stale validator means the whole file.
func rangeApplies(r *http.Request, etag string, modTime time.Time) bool {
	ir := r.Header.Get("If-Range")
	if ir == "" {
		return true
	}
	if strings.HasPrefix(ir, `"`) {
		return ir == etag
	}
	t, err := http.ParseTime(ir)
	if err != nil {
		return false
	}
	return modTime.Truncate(time.Second).Equal(t)
}

var archiveTypes = map[string]string{
	".gz":  "application/gzip",
	".tgz": "application/gzip",
	".zip": "application/zip",
	".tar": "application/x-tar",
	".jar": "application/java-archive",
	".hpi": "application/java-archive",
	".xz":  "application/x-xz",
	".bz2": "application/x-bzip2",
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := archiveTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, dir, p string, modTime time.Time) {
	l, err := h.listing(r.Context(), dir, p, modTime)
	if err != nil {
		h.logger.Error("listing directory", "path", p, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	l = applyFilter(l, r.URL.Query().Get("version"))

	telemetry.SetResult(r, telemetry.ResultListing)
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := json.NewEncoder(w).Encode(l); err != nil {
		h.logger.Debug("writing listing", "path", p, "error", err)
	}
}

// listing returns the unfiltered listing, memoized under the path and the
// directory mtime so a changed directory is read again.
func (h *Handler) listing(ctx context.Context, dir, p string, modTime time.Time) (Listing, error) {
	if h.cache == nil {
		return readListing(dir, p)
	}
	key := fmt.Sprintf("listing:/%s:%d", p, modTime.UnixNano())
	return cache.Remember(ctx, h.cache, key, h.listingTTL, func(context.Context) (Listing, error) {
		return readListing(dir, p)
	})
}
