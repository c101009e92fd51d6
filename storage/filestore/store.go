// Package filestore implements storage.Store on a local directory, one file
// per key.
package filestore

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/storage"
)

const tempPrefix = ".tmp-"

// Store keeps blobs as files below a root directory. Writes go through a
// temporary file and a rename, so readers never see a partial blob.
type Store struct {
	root string
}

var _ storage.Store = (*Store)(nil)

// New creates the root directory if needed and returns a Store on it
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "filestore", "New", "root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "filestore", "New", "create "+root)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(method, key string) (string, error) {
	if !storage.ValidKey(key) || strings.Contains(key, "\\") {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "filestore", method, "invalid key "+key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put implements storage.Store
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Canceled(ctx, "filestore", "Put")
	}
	path, err := s.path("Put", key)
	if err != nil {
		return err
	}
	if strings.HasPrefix(filepath.Base(path), tempPrefix) {
		return errors.WrapInvalid(errors.ErrInvalidData, "filestore", "Put", "reserved key "+key)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "create directory")
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "create temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "filestore", "Put", "write "+key)
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "close "+key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "rename "+key)
	}
	return nil
}

// Get implements storage.Store
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Canceled(ctx, "filestore", "Get")
	}
	path, err := s.path("Get", key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NotFound("filestore", "Get", "no blob %s", key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "filestore", "Get", "read "+key)
	}
	return data, nil
}

// List implements storage.Store
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return errors.Canceled(ctx, "filestore", "List")
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if errors.IsCanceled(err) {
		return nil, err
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "filestore", "List", "walk "+s.root)
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete implements storage.Store
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.Canceled(ctx, "filestore", "Delete")
	}
	path, err := s.path("Delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.WrapTransient(err, "filestore", "Delete", "remove "+key)
	}
	return nil
}
