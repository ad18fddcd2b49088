// Package storage abstracts the blob store holding uploaded files. The
// pipeline only needs existence checks, forward-only reads and writes under
// a release-scoped path convention; the worker reads the same paths.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store is the blob storage collaborator.
type Store interface {
	// Exists reports whether a blob is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Open returns a forward-only reader over the blob. Callers that need
	// to re-read content open again.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// ReadAll reads the whole blob into memory.
	ReadAll(ctx context.Context, path string) ([]byte, error)

	// Save writes the blob, replacing any existing content at path.
	Save(ctx context.Context, path string, r io.Reader) error

	// Delete removes the blob. Deleting a missing blob is a no-op.
	Delete(ctx context.Context, path string) error
}

// ReleasePath builds the canonical blob path for a release-scoped file:
// <releaseID>/<kind>/<filename>.
func ReleasePath(releaseID uuid.UUID, kind, filename string) string {
	return fmt.Sprintf("%s/%s/%s", releaseID, kind, filename)
}

// FSStore is a filesystem-backed Store rooted at a directory. Blob paths
// are confined to the root: a path that resolves outside it is an error.
type FSStore struct {
	root string
}

// NewFSStore creates a Store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %q: %w", dir, err)
	}
	return &FSStore{root: dir}, nil
}

// resolve maps a blob path onto the filesystem, rejecting any path that
// would land outside the storage root. Validation strips path separators
// from upload names already; this keeps the store safe for every caller.
func (s *FSStore) resolve(path string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob path %q escapes the storage root", path)
	}
	return full, nil
}

func (s *FSStore) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob %q: %w", path, err)
}

func (s *FSStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open blob %q: %w", path, err)
	}
	return f, nil
}

func (s *FSStore) ReadAll(ctx context.Context, path string) ([]byte, error) {
	r, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", path, err)
	}
	return data, nil
}

func (s *FSStore) Save(_ context.Context, path string, r io.Reader) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob directory for %q: %w", path, err)
	}

	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create blob %q: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write blob %q: %w", path, err)
	}
	return nil
}

func (s *FSStore) Delete(_ context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %q: %w", path, err)
	}
	return nil
}
