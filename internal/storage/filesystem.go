package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxNameAttempts bounds the "name (n).ext" search for a free file name
const maxNameAttempts = 1000

// DirSaver saves prepared exports into a local directory, the way a browser
// saves a download: an existing file is never overwritten, the new one gets a
// " (n)" suffix instead.
type DirSaver struct {
	baseDir string
	fetcher Fetcher
}

// NewDirSaver creates a saver writing under baseDir
func NewDirSaver(baseDir string, fetcher Fetcher) (*DirSaver, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}

	return &DirSaver{
		baseDir: abs,
		fetcher: fetcher,
	}, nil
}

// Dir returns the absolute output directory
func (s *DirSaver) Dir() string {
	return s.baseDir
}

// Save downloads outputFile and writes it as filename. It returns the final path.
func (s *DirSaver) Save(ctx context.Context, outputFile string, filename string) (string, error) {
	path := filepath.Join(s.baseDir, filename)

	// Security: prevent directory traversal
	if filepath.Dir(filepath.Clean(path)) != s.baseDir {
		return "", fmt.Errorf("invalid filename: path traversal detected")
	}

	body, _, err := s.fetcher.Download(ctx, outputFile)
	if err != nil {
		return "", fmt.Errorf("failed to download export: %w", err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(s.baseDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	final, err := s.claim(path, tmpName)
	if err != nil {
		return "", err
	}

	log.Ctx(ctx).Debug().Str("path", final).Int64("bytes", written).Msg("export written")
	return final, nil
}

// claim links tmpName to the first free variant of path
func (s *DirSaver) claim(path, tmpName string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)

	candidate := path
	for i := 1; i <= maxNameAttempts; i++ {
		// os.Link fails if candidate exists, so a concurrent saver cannot clobber it.
		err := os.Link(tmpName, candidate)
		if err == nil {
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to save export: %w", err)
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	return "", fmt.Errorf("failed to save export: no free name for %s", filepath.Base(path))
}
