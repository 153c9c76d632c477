package preview

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tendant/imgpixel/internal/metrics"
)

// Manager owns exactly one slot per role. Filling a slot always releases the
// handle that previously occupied it.
type Manager struct {
	backend Backend
	metrics *metrics.Collector

	mu    sync.Mutex
	slots map[Role]Handle
}

// NewManager creates a manager over the given backend. m may be nil.
func NewManager(backend Backend, m *metrics.Collector) *Manager {
	return &Manager{
		backend: backend,
		metrics: m,
		slots:   make(map[Role]Handle),
	}
}

// Allocate releases the current handle for role, then stores data as its replacement
func (m *Manager) Allocate(ctx context.Context, role Role, data []byte) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(ctx, role)

	h, err := m.backend.Allocate(ctx, data)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to allocate %s preview: %w", role, err)
	}
	h.Role = role
	m.slots[role] = h
	m.metrics.SetLiveHandles(string(role), 1)
	return h, nil
}

// Reference releases the current handle for role and replaces it with a
// reference to remote data at uri
func (m *Manager) Reference(ctx context.Context, role Role, uri string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(ctx, role)

	h := Handle{
		ID:     uuid.NewString(),
		Role:   role,
		URI:    uri,
		Remote: true,
	}
	m.slots[role] = h
	m.metrics.SetLiveHandles(string(role), 1)
	return h
}

// Release frees the handle for role. Releasing an empty slot is a no-op.
func (m *Manager) Release(ctx context.Context, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(ctx, role)
}

// ReleaseAll frees every slot
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range Roles {
		m.releaseLocked(ctx, role)
	}
}

// Current returns the live handle for role, if any
func (m *Manager) Current(role Role) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.slots[role]
	return h, ok
}

// Live returns the number of occupied slots
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Manager) releaseLocked(ctx context.Context, role Role) {
	h, ok := m.slots[role]
	if !ok {
		return
	}
	delete(m.slots, role)
	m.metrics.SetLiveHandles(string(role), 0)

	if h.Remote {
		return
	}
	if err := m.backend.Release(ctx, h); err != nil {
		// The slot is already cleared; a failed release only leaks backend storage.
		log.Ctx(ctx).Warn().Err(err).Str("handle_id", h.ID).Str("role", string(role)).Msg("failed to release preview")
	}
}
