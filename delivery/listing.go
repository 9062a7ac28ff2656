package delivery

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	mirror "github.com/wolfeidau/artifact-mirror"
)

// Entry is one child of a listed directory.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Crumb is one step of the navigation trail to a directory.
type Crumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Filter describes the version filter applied to a listing.
type Filter struct {
	Applied     bool   `json:"applied"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value,omitempty"`
}

// Listing is the JSON body served for a directory.
type Listing struct {
	Path        string  `json:"path"`
	Breadcrumbs []Crumb `json:"breadcrumbs"`
	Entries     []Entry `json:"entries"`
	Filter      Filter  `json:"filter"`
}

// Breadcrumbs returns the trail from the root to the cleaned path p. Every
// crumb path ends in a slash.
func Breadcrumbs(p string) []Crumb {
	crumbs := []Crumb{{Name: "root", Path: "/"}}
	p = strings.Trim(p, "/")
	if p == "" {
		return crumbs
	}
	acc := "/"
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		acc += seg + "/"
		crumbs = append(crumbs, Crumb{Name: seg, Path: acc})
	}
	return crumbs
}

// readListing lists the directory at dir whose cleaned path is p. Hidden
// entries and staging files are left out. Directories sort first, then by
// name.
func readListing(dir, p string) (Listing, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return Listing{}, fmt.Errorf("reading directory %s: %w", p, err)
	}

	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if mirror.IsHidden(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed since ReadDir.
			continue
		}
		isDir := info.IsDir()
		if !isDir && !info.Mode().IsRegular() {
			continue
		}
		e := Entry{
			Name:    name,
			Path:    "/" + path.Join(p, name),
			IsDir:   isDir,
			ModTime: info.ModTime().UTC(),
		}
		if isDir {
			e.Path += "/"
		} else {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	return Listing{
		Path:        "/" + p,
		Breadcrumbs: Breadcrumbs(p),
		Entries:     entries,
	}, nil
}

// applyFilter keeps entries whose name contains version.
func applyFilter(l Listing, version string) Listing {
	if version == "" {
		return l
	}
	kept := make([]Entry, 0, len(l.Entries))
	for _, e := range l.Entries {
		if strings.Contains(e.Name, version) {
			kept = append(kept, e)
		}
	}
	l.Entries = kept
	l.Filter = Filter{
		Applied:     true,
		Description: fmt.Sprintf("entries matching version %q", version),
		Value:       version,
	}
	return l
}
