package preview

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryBackend keeps preview bytes in memory, keyed by UUID
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Allocate stores a copy of data under a new UUID
func (b *MemoryBackend) Allocate(ctx context.Context, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmptyData
	}

	id := uuid.NewString()

	// Copy so later mutation by the caller cannot change the preview.
	buf := make([]byte, len(data))
	copy(buf, data)

	b.mu.Lock()
	b.data[id] = buf
	b.mu.Unlock()

	log.Ctx(ctx).Debug().Str("handle_id", id).Int("bytes", len(buf)).Msg("preview allocated in memory")

	return Handle{
		ID:   id,
		URI:  "mem://" + id,
		Size: int64(len(buf)),
	}, nil
}

// Release drops the bytes for a handle
func (b *MemoryBackend) Release(ctx context.Context, h Handle) error {
	b.mu.Lock()
	buf, ok := b.data[h.ID]
	if ok {
		delete(b.data, h.ID)
	}
	b.mu.Unlock()

	if ok {
		log.Ctx(ctx).Debug().Str("handle_id", h.ID).Int("bytes", len(buf)).Msg("preview memory freed")
	}
	return nil
}

// Open returns a reader over a copy of the handle's bytes
func (b *MemoryBackend) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	b.mu.RLock()
	buf, ok := b.data[h.ID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrHandleNotFound
	}

	out := make([]byte, len(buf))
	copy(out, buf)
	return io.NopCloser(bytes.NewReader(out)), nil
}

// Live returns the number of stored previews
func (b *MemoryBackend) Live() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}
