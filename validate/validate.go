// Package validate inspects downloaded artifacts for size, format and
// integrity problems before they are committed to the content root.
package validate

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"golang.org/x/net/html"

	mirror "github.com/wolfeidau/artifact-mirror"
)

// Format names the structural check applied to an artifact.
type Format string

const (
	FormatNone    Format = "none"
	FormatGzip    Format = "gzip"
	FormatPackage Format = "package"
)

// prefixSize is how much of the file is sniffed for signatures and HTML.
const prefixSize = 4096

var gzipMagic = []byte{0x1f, 0x8b, 0x08}

// Constraints describe what a valid artifact looks like.
type Constraints struct {
	MinSize  int64  `json:"min_size,omitempty" mapstructure:"min_size"`
	Format   Format `json:"format,omitempty" mapstructure:"format"`
	Checksum string `json:"checksum,omitempty" mapstructure:"checksum"`
}

// Result is the verdict for one file. Reason is set when OK is false.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Size   int64  `json:"size"`
}

func fail(size int64, format string, args ...any) Result {
	return Result{Size: size, Reason: fmt.Sprintf(format, args...)}
}

// Validator checks files against Constraints.
type Validator struct {
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = l
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "validate")
	return v
}

// Validate runs the checks in order and reports the first failure.
// Expected failures are reported in the Result; an error is returned only
// when the file cannot be read.
func (v *Validator) Validate(path string, c Constraints) (Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fail(0, "file does not exist"), nil
		}
		return Result{}, fmt.Errorf("stating %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return fail(0, "not a regular file"), nil
	}

	size := fi.Size()
	if size < c.MinSize {
		return fail(size, "size %d bytes is below minimum %d bytes", size, c.MinSize), nil
	}
	if size == 0 {
		return fail(size, "file is empty"), nil
	}

	if c.Format != "" && c.Format != FormatNone {
		res, err := v.checkFormat(path, size, c.Format)
		if err != nil || !res.OK {
			return res, err
		}
	}

	if c.Checksum != "" {
		want, err := mirror.ParseChecksum(c.Checksum)
		if err != nil {
			return fail(size, "invalid checksum constraint %q", c.Checksum), nil
		}
		ok, err := want.MatchesFile(path)
		if err != nil {
			return Result{}, fmt.Errorf("hashing %s: %w", path, err)
		}
		if !ok {
			return fail(size, "%s checksum mismatch", want.Alg), nil
		}
	}

	return Result{OK: true, Size: size}, nil
}

func (v *Validator) checkFormat(path string, size int64, format Format) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	prefix := make([]byte, min(size, prefixSize))
	if _, err := io.ReadFull(f, prefix); err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", path, err)
	}

	switch format {
	case FormatGzip:
		if bytes.HasPrefix(prefix, gzipMagic) {
			return Result{OK: true, Size: size}, nil
		}
		return fail(size, "%s", withHTMLHint("missing gzip signature", prefix)), nil

	case FormatPackage:
		if isPackage(f, size) {
			return Result{OK: true, Size: size}, nil
		}
		v.logger.Debug("package structure check failed", "path", path, "size", size)
		return fail(size, "%s", withHTMLHint("not a zip or tar archive", prefix)), nil

	default:
		return fail(size, "unknown format %q", format), nil
	}
}

// isPackage reports whether the file opens as a zip, a gzip-compressed tar
// or a plain tar.
func isPackage(f *os.File, size int64) bool {
	if _, err := zip.NewReader(f, size); err == nil {
		return true
	}

	if gz, err := gzip.NewReader(io.NewSectionReader(f, 0, size)); err == nil {
		defer gz.Close()
		if _, err := tar.NewReader(gz).Next(); err == nil {
			return true
		}
	}

	_, err := tar.NewReader(io.NewSectionReader(f, 0, size)).Next()
	return err == nil
}

// withHTMLHint appends a note when the prefix looks like an HTML document,
// which usually means the upstream answered with an error page.
func withHTMLHint(reason string, prefix []byte) string {
	if !looksLikeHTML(prefix) {
		return reason
	}
	if title := htmlTitle(prefix); title != "" {
		return fmt.Sprintf("%s: upstream served HTML page %q", reason, title)
	}
	return reason + ": upstream served HTML page"
}

func looksLikeHTML(prefix []byte) bool {
	head := strings.ToLower(string(bytes.TrimSpace(prefix)))
	return strings.HasPrefix(head, "<!doctype html") ||
		strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<title>")
}

func htmlTitle(prefix []byte) string {
	doc, err := html.Parse(bytes.NewReader(prefix))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title
}
