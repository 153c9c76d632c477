package preview

import (
	"context"
	"errors"
	"io"
)

// Role identifies which preview slot a handle belongs to
type Role string

const (
	RoleOriginal  Role = "original"
	RoleProcessed Role = "processed"
)

// Roles lists every preview slot
var Roles = []Role{RoleOriginal, RoleProcessed}

var (
	// ErrHandleNotFound is returned when opening a released or unknown handle
	ErrHandleNotFound = errors.New("preview handle not found")

	// ErrEmptyData is returned when allocating a handle for zero bytes
	ErrEmptyData = errors.New("empty preview data")
)

// Handle is a process-local, revocable reference to displayable image data.
// Remote handles point at a URL served by the processing service and own no local resources.
type Handle struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	URI    string `json:"uri"`
	Size   int64  `json:"size"`
	Remote bool   `json:"remote"`
}

// Backend allocates and releases local preview data
type Backend interface {
	// Allocate stores data and returns a handle for it
	Allocate(ctx context.Context, data []byte) (Handle, error)

	// Release frees the data behind a handle. Releasing twice is a no-op.
	Release(ctx context.Context, h Handle) error

	// Open returns a reader for a live handle
	Open(ctx context.Context, h Handle) (io.ReadCloser, error)

	// Live returns the number of handles currently allocated
	Live() int
}
