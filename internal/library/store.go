// Package library enumerates the photo library and reports its size to the
// companion server.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrStoreQuery wraps every failure to read the resource store.
var ErrStoreQuery = errors.New("store query failed")

// PendingPrefix marks files that are still being written into the library.
const PendingPrefix = ".pending-"

// ResourceRef identifies one photo in the store.
type ResourceRef struct {
	// ID is the slash-separated path relative to the library root.
	ID string `json:"id"`
	// Path is the location of the photo inside the store's filesystem.
	Path string `json:"path"`
}

// Filter narrows a store query.
type Filter struct {
	// ExcludePending drops resources whose writes have not completed.
	ExcludePending bool
}

// Store is the platform photo index.
type Store interface {
	Query(ctx context.Context, filter Filter) ([]ResourceRef, error)
	Open(ref ResourceRef) (io.ReadCloser, error)
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
	".heic": true,
	".heif": true,
}

// FSStore indexes image files below a root directory.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore creates a store over fs rooted at root.
func NewFSStore(fs afero.Fs, root string) *FSStore {
	return &FSStore{fs: fs, root: filepath.Clean(root)}
}

// NewOSStore creates a store over the operating system filesystem.
func NewOSStore(root string) *FSStore {
	return NewFSStore(afero.NewOsFs(), root)
}

// Root returns the library root.
func (s *FSStore) Root() string {
	return s.root
}

// CheckAccess reports whether the library root can be listed.
func (s *FSStore) CheckAccess() error {
	info, err := s.fs.Stat(s.root)
	if err != nil {
		return fmt.Errorf("library %s: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("library %s is not a directory", s.root)
	}
	dir, err := s.fs.Open(s.root)
	if err != nil {
		return fmt.Errorf("library %s: %w", s.root, err)
	}
	defer func() { _ = dir.Close() }()
	if _, err := dir.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("library %s: %w", s.root, err)
	}
	return nil
}

// Query walks the library in lexical order and returns every image file.
// Hidden directories are skipped.
func (s *FSStore) Query(ctx context.Context, filter Filter) ([]ResourceRef, error) {
	refs := make([]ResourceRef, 0)

	err := afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name := info.Name()
		if info.IsDir() {
			if path != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			if !strings.HasPrefix(name, PendingPrefix) || filter.ExcludePending {
				return nil
			}
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		refs = append(refs, ResourceRef{ID: filepath.ToSlash(rel), Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreQuery, err)
	}

	return refs, nil
}

// Open opens the photo referenced by ref.
func (s *FSStore) Open(ref ResourceRef) (io.ReadCloser, error) {
	f, err := s.fs.Open(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref.ID, err)
	}
	return f, nil
}
