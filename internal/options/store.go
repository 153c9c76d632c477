package options

import (
	"sync"

	"github.com/tendant/imgpixel/pkg/pipeline"
)

// Patch is a partial update; nil fields keep their current value
type Patch struct {
	Format     *pipeline.Format
	Resolution *pipeline.Resolution
}

// WithFormat returns a patch that only changes the format
func WithFormat(f pipeline.Format) Patch {
	return Patch{Format: &f}
}

// WithResolution returns a patch that only changes the resolution
func WithResolution(r pipeline.Resolution) Patch {
	return Patch{Resolution: &r}
}

// Store holds the current export options. Changing options never triggers a
// remote call; they are read when a download starts.
type Store struct {
	mu   sync.RWMutex
	opts pipeline.ExportOptions
}

// NewStore creates a store seeded with initial options
func NewStore(initial pipeline.ExportOptions) *Store {
	return &Store{opts: initial}
}

// NewDefaultStore creates a store holding {png, original}
func NewDefaultStore() *Store {
	return NewStore(pipeline.DefaultExportOptions())
}

// Get returns the current options
func (s *Store) Get() pipeline.ExportOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Set merges p into the current options. Values outside the enumerated sets are
// rejected and the store is left unchanged.
func (s *Store) Set(p Patch) (pipeline.ExportOptions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.opts
	if p.Format != nil {
		next.Format = *p.Format
	}
	if p.Resolution != nil {
		next.Resolution = *p.Resolution
	}
	if err := next.Validate(); err != nil {
		return s.opts, err
	}

	s.opts = next
	return next, nil
}
