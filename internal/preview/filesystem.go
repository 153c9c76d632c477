package preview

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FilesystemBackend writes previews to temporary files under a base directory
type FilesystemBackend struct {
	baseDir string

	mu   sync.Mutex
	live map[string]string // handle ID -> path
}

// NewFilesystemBackend creates a filesystem backend rooted at baseDir
func NewFilesystemBackend(baseDir string) (*FilesystemBackend, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create preview directory: %w", err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve preview directory: %w", err)
	}

	return &FilesystemBackend{
		baseDir: abs,
		live:    make(map[string]string),
	}, nil
}

// Allocate writes data to a new file named after a fresh UUID
func (b *FilesystemBackend) Allocate(ctx context.Context, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmptyData
	}

	id := uuid.NewString()
	path := filepath.Join(b.baseDir, id+".preview")

	if err := os.WriteFile(path, data, 0600); err != nil {
		return Handle{}, fmt.Errorf("failed to write preview: %w", err)
	}

	b.mu.Lock()
	b.live[id] = path
	b.mu.Unlock()

	log.Ctx(ctx).Debug().Str("handle_id", id).Str("path", path).Int("bytes", len(data)).Msg("preview written")

	return Handle{
		ID:   id,
		URI:  (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(),
		Size: int64(len(data)),
	}, nil
}

// Release removes the preview file. Unknown handles are ignored.
func (b *FilesystemBackend) Release(ctx context.Context, h Handle) error {
	b.mu.Lock()
	path, ok := b.live[h.ID]
	if ok {
		delete(b.live, h.ID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove preview: %w", err)
	}
	log.Ctx(ctx).Debug().Str("handle_id", h.ID).Msg("preview file removed")
	return nil
}

// Open opens the preview file for a live handle
func (b *FilesystemBackend) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	b.mu.Lock()
	path, ok := b.live[h.ID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrHandleNotFound
	}

	// Security: prevent directory traversal
	if !strings.HasPrefix(filepath.Clean(path), b.baseDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("invalid preview path: path traversal detected")
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrHandleNotFound
		}
		return nil, fmt.Errorf("failed to open preview: %w", err)
	}
	return file, nil
}

// Live returns the number of preview files currently owned
func (b *FilesystemBackend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}
