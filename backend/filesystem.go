package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrStorage marks faults in the local filesystem (cannot create a directory,
// cannot write a file). Callers treat these as fatal rather than transient.
var ErrStorage = errors.New("storage fault")

// stagePrefix is the name prefix for in-flight files. Listings skip them.
const stagePrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w: %w", ErrStorage, err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Path returns the filesystem path for a key.
func (fs *Filesystem) Path(key string) string {
	return fs.keyToPath(key)
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	st, err := fs.Stage(ctx, key)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(st.Path(), os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = st.Abort()
		return fmt.Errorf("opening staged file: %w: %w", ErrStorage, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = st.Abort()
		return fmt.Errorf("writing data: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = st.Abort()
		return fmt.Errorf("syncing file: %w: %w", ErrStorage, err)
	}

	if err := f.Close(); err != nil {
		_ = st.Abort()
		return fmt.Errorf("closing staged file: %w: %w", ErrStorage, err)
	}

	return st.Commit()
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key. It is also the deletion primitive for
// committed artifacts.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Stat returns the size and modification time of the key.
func (fs *Filesystem) Stat(ctx context.Context, key string) (Info, error) {
	info, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns all keys with the given prefix. Staging files are skipped.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Entries removed by a concurrent delete are not an error.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), stagePrefix) {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Stage creates an empty staging file next to the key's final location.
// Writers fill the file through Path and then Commit or Abort it.
func (fs *Filesystem) Stage(ctx context.Context, key string) (*Staged, error) {
	path := fs.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w: %w", dir, ErrStorage, err)
	}

	tmp, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w: %w", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("closing temp file: %w: %w", ErrStorage, err)
	}

	return &Staged{tmpPath: tmp.Name(), dstPath: path}, nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// Staged is an in-flight file that is renamed into place on Commit.
type Staged struct {
	tmpPath string
	dstPath string
	done    bool
}

// Path is the staging file path. It is hidden from listings until committed.
func (s *Staged) Path() string {
	return s.tmpPath
}

// Destination is the final path the file is renamed to.
func (s *Staged) Destination() string {
	return s.dstPath
}

// Commit renames the staging file into place.
func (s *Staged) Commit() error {
	if s.done {
		return nil
	}
	s.done = true

	if err := os.Rename(s.tmpPath, s.dstPath); err != nil {
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("renaming temp file: %w: %w", ErrStorage, err)
	}
	return nil
}

// Abort removes the staging file. Calling it after Commit is a no-op.
func (s *Staged) Abort() error {
	if s.done {
		return nil
	}
	s.done = true

	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// Compile-time interface checks
var (
	_ Backend = (*Filesystem)(nil)
	_ Stager  = (*Filesystem)(nil)
	_ Locator = (*Filesystem)(nil)
)
