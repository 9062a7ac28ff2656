// Package catalog resolves a mirror type into the ordered list of artifacts to
// sync. Catalogs are static configuration: explicit artifacts plus URL and
// path templates expanded over a version list.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"

	mirror "github.com/wolfeidau/artifact-mirror"
	"github.com/wolfeidau/artifact-mirror/validate"
)

// ErrUnknownMirror is returned for a mirror type with no catalog.
var ErrUnknownMirror = errors.New("unknown mirror type")

// Entry is one artifact to mirror.
type Entry struct {
	URL         string
	Path        string
	Constraints validate.Constraints
}

// Settings are the per-mirror sync knobs.
type Settings struct {
	MaxRetries        int
	RetryDelay        time.Duration
	Timeout           time.Duration
	MaxFailurePercent float64
	Parallelism       int
	// Interval enables periodic sync when positive.
	Interval time.Duration
}

// Catalog is the read side used by the job runner and the scheduler.
type Catalog interface {
	Types() []string
	Settings(mirrorType string) (Settings, error)
	Entries(ctx context.Context, mirrorType string) ([]Entry, error)
}

// Artifact is an explicitly listed artifact.
type Artifact struct {
	URL         string               `mapstructure:"url"`
	Path        string               `mapstructure:"path"`
	Constraints validate.Constraints `mapstructure:"constraints"`
}

// Template expands URL and Path once per version. Templates see .Version,
// .Type and the helpers major, minor and majorMinor.
type Template struct {
	URL         string               `mapstructure:"url"`
	Path        string               `mapstructure:"path"`
	Versions    []string             `mapstructure:"versions"`
	Constraints validate.Constraints `mapstructure:"constraints"`
}

// Mirror is the configuration of one mirror type. Zero settings inherit the
// catalog defaults.
type Mirror struct {
	Type              string        `mapstructure:"type"`
	Interval          time.Duration `mapstructure:"interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxFailurePercent float64       `mapstructure:"max_failure_percent"`
	Parallelism       int           `mapstructure:"parallelism"`
	Artifacts         []Artifact    `mapstructure:"artifacts"`
	Templates         []Template    `mapstructure:"templates"`
}

type compiled struct {
	mirror    Mirror
	settings  Settings
	templates []compiledTemplate
}

type compiledTemplate struct {
	src  Template
	url  *template.Template
	path *template.Template
}

// Static is a Catalog built from configuration.
type Static struct {
	order   []string
	mirrors map[string]*compiled
}

var _ Catalog = (*Static)(nil)

// NewStatic compiles mirrors. Templates are parsed up front so a bad catalog
// fails at startup rather than inside a job.
func NewStatic(mirrors []Mirror, defaults Settings) (*Static, error) {
	s := &Static{mirrors: make(map[string]*compiled, len(mirrors))}

	for i, m := range mirrors {
		if m.Type == "" {
			return nil, fmt.Errorf("mirror %d: type is required", i)
		}
		if strings.ContainsAny(m.Type, "/\\") || strings.HasPrefix(m.Type, ".") {
			return nil, fmt.Errorf("mirror %q: invalid type", m.Type)
		}
		if _, dup := s.mirrors[m.Type]; dup {
			return nil, fmt.Errorf("mirror %q: defined twice", m.Type)
		}
		if m.MaxFailurePercent < 0 || m.MaxFailurePercent > 100 {
			return nil, fmt.Errorf("mirror %q: max_failure_percent must be within 0-100", m.Type)
		}

		c := &compiled{mirror: m, settings: merge(m, defaults)}
		for j, t := range m.Templates {
			ct, err := compileTemplate(m.Type, j, t)
			if err != nil {
				return nil, err
			}
			c.templates = append(c.templates, ct)
		}

		s.mirrors[m.Type] = c
		s.order = append(s.order, m.Type)
	}
	return s, nil
}

func merge(m Mirror, d Settings) Settings {
	s := Settings{
		MaxRetries:        m.MaxRetries,
		RetryDelay:        m.RetryDelay,
		Timeout:           m.Timeout,
		MaxFailurePercent: m.MaxFailurePercent,
		Parallelism:       m.Parallelism,
		Interval:          m.Interval,
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.MaxFailurePercent == 0 {
		s.MaxFailurePercent = d.MaxFailurePercent
	}
	if s.Parallelism <= 0 {
		s.Parallelism = max(d.Parallelism, 1)
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	return s
}

var funcs = template.FuncMap{
	"major": func(v string) string {
		return versionPart(v, 1)
	},
	"minor": func(v string) string {
		parts := strings.SplitN(v, ".", 3)
		if len(parts) < 2 {
			return ""
		}
		return parts[1]
	},
	"majorMinor": func(v string) string {
		return versionPart(v, 2)
	},
}

// versionPart returns the first n dot-separated components of v.
func versionPart(v string, n int) string {
	parts := strings.SplitN(v, ".", n+1)
	return strings.Join(parts[:min(n, len(parts))], ".")
}

func compileTemplate(mirrorType string, idx int, t Template) (compiledTemplate, error) {
	if len(t.Versions) == 0 {
		return compiledTemplate{}, fmt.Errorf("mirror %q template %d: versions are required", mirrorType, idx)
	}
	name := fmt.Sprintf("%s/%d", mirrorType, idx)

	u, err := template.New(name + "/url").Funcs(funcs).Option("missingkey=error").Parse(t.URL)
	if err != nil {
		return compiledTemplate{}, fmt.Errorf("parsing url template for mirror %q: %w", mirrorType, err)
	}
	p, err := template.New(name + "/path").Funcs(funcs).Option("missingkey=error").Parse(t.Path)
	if err != nil {
		return compiledTemplate{}, fmt.Errorf("parsing path template for mirror %q: %w", mirrorType, err)
	}
	return compiledTemplate{src: t, url: u, path: p}, nil
}

// Types returns the configured mirror types in configuration order.
func (s *Static) Types() []string {
	return slices.Clone(s.order)
}

// Settings implements Catalog.
func (s *Static) Settings(mirrorType string) (Settings, error) {
	c, ok := s.mirrors[mirrorType]
	if !ok {
		return Settings{}, fmt.Errorf("%w: %s", ErrUnknownMirror, mirrorType)
	}
	return c.settings, nil
}

// Entries implements Catalog. Explicit artifacts come first, then template
// expansions in version order. Paths are cleaned and must be unique.
func (s *Static) Entries(ctx context.Context, mirrorType string) ([]Entry, error) {
	c, ok := s.mirrors[mirrorType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMirror, mirrorType)
	}

	var entries []Entry
	seen := make(map[string]bool)
	add := func(url, p string, cons validate.Constraints) error {
		clean, err := entryPath(p)
		if err != nil {
			return err
		}
		if url == "" {
			return fmt.Errorf("artifact %q: url is required", clean)
		}
		if seen[clean] {
			return fmt.Errorf("artifact %q: duplicate path", clean)
		}
		seen[clean] = true
		entries = append(entries, Entry{URL: url, Path: clean, Constraints: cons})
		return nil
	}

	for _, a := range c.mirror.Artifacts {
		if err := add(a.URL, a.Path, a.Constraints); err != nil {
			return nil, err
		}
	}

	for _, t := range c.templates {
		for _, v := range t.src.Versions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			data := map[string]string{"Version": v, "Type": mirrorType}
			u, err := render(t.url, data)
			if err != nil {
				return nil, err
			}
			p, err := render(t.path, data)
			if err != nil {
				return nil, err
			}
			if err := add(u, p, t.src.Constraints); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("expanding template %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func entryPath(p string) (string, error) {
	clean, err := mirror.CleanPath(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", fmt.Errorf("artifact path %q is empty", p)
	}
	if mirror.IsHidden(clean) {
		return "", fmt.Errorf("artifact path %q is hidden", p)
	}
	return clean, nil
}
