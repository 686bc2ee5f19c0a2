// Package filestore provides read access to the bot files backing catalog
// entries. The production deployment mounts an object-store gateway at the
// configured directory; the service only ever reads through this interface.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileNotFound is returned when no stored file matches the id.
var ErrFileNotFound = errors.New("file not found")

// Store is the contract the download gate streams files through.
type Store interface {
	Open(ctx context.Context, fileID string) (io.ReadCloser, int64, error)
}

// Local serves files from a directory on disk.
type Local struct {
	dir string
}

// NewLocal creates a store rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Open returns a reader and the size of the stored file. File ids are plain
// names; anything resembling a path is rejected.
func (l *Local) Open(_ context.Context, fileID string) (io.ReadCloser, int64, error) {
	if fileID == "" || strings.ContainsAny(fileID, `/\`) || strings.Contains(fileID, "..") {
		return nil, 0, fmt.Errorf("%w: %q", ErrFileNotFound, fileID)
	}

	path := filepath.Join(l.dir, fileID)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %q", ErrFileNotFound, fileID)
		}
		return nil, 0, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%w: %q", ErrFileNotFound, fileID)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open file: %w", err)
	}

	return f, info.Size(), nil
}
