// Package blob stores raw uploaded document bytes. The status store holds
// only metadata; the parse stage reads the original bytes from here.
package blob

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Store persists document payloads keyed by document ID.
type Store interface {
	Put(ctx context.Context, documentID string, data []byte) error
	Get(ctx context.Context, documentID string) ([]byte, error)
}

// FSStore keeps payloads as files under a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", root)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Put(ctx context.Context, documentID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.path(documentID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "blob: write %s", documentID)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, documentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(documentID))
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", documentID)
	}
	return data, nil
}

func (s *FSStore) path(documentID string) string {
	// Document IDs are UUIDs, safe as file names.
	return filepath.Join(s.root, documentID)
}

var _ Store = (*FSStore)(nil)
