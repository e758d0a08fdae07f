package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirStore writes objects as files below a root directory. Slashes in keys
// become subdirectories.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Put implements Store. The content type is not persisted.
func (s *DirStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("invalid object key %q", key)
	}

	p := filepath.Join(s.root, clean)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create directory for %q: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", p, err)
	}
	return nil
}

// Ensure DirStore implements Store.
var _ Store = (*DirStore)(nil)
