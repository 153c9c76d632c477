package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an artifact does not exist or was cleaned up
var ErrNotFound = errors.New("artifact not found")

// Fetcher downloads a prepared file from the processing service
type Fetcher interface {
	// Download returns the file body and its content type
	Download(ctx context.Context, id string) (io.ReadCloser, string, error)
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
	FileName    string
}
