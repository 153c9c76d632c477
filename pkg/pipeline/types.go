package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Format is the encoding of a rendered export
type Format string

// Resolution is the target size class of a rendered export
type Resolution string

// Format constants (match the remote prepare-download form values)
const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// Resolution constants
const (
	ResolutionOriginal Resolution = "original"
	ResolutionHD       Resolution = "hd"
	ResolutionFullHD   Resolution = "fullhd"
	Resolution4K       Resolution = "4k"
)

var (
	// ErrInvalidFormat is returned for a format outside the enumerated set
	ErrInvalidFormat = errors.New("invalid export format")

	// ErrInvalidResolution is returned for a resolution outside the enumerated set
	ErrInvalidResolution = errors.New("invalid export resolution")
)

// Formats lists every supported export format in display order
var Formats = []Format{FormatPNG, FormatWebP}

// Resolutions lists every supported export resolution in display order
var Resolutions = []Resolution{ResolutionOriginal, ResolutionHD, ResolutionFullHD, Resolution4K}

// Dimensions holds landscape target dimensions per resolution.
// ResolutionOriginal is absent: the master is exported at its own size.
var Dimensions = map[Resolution][2]int{
	ResolutionHD:     {1280, 720},
	ResolutionFullHD: {1920, 1080},
	Resolution4K:     {3840, 2160},
}

// Valid reports whether f is one of the enumerated formats
func (f Format) Valid() bool {
	return slices.Contains(Formats, f)
}

// Valid reports whether r is one of the enumerated resolutions
func (r Resolution) Valid() bool {
	return slices.Contains(Resolutions, r)
}

// ParseFormat parses a user-supplied format name (case-insensitive)
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q (want one of %s)", ErrInvalidFormat, s, joinNames(Formats))
	}
	return f, nil
}

// ParseResolution parses a user-supplied resolution name (case-insensitive)
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q (want one of %s)", ErrInvalidResolution, s, joinNames(Resolutions))
	}
	return r, nil
}

func joinNames[T ~string](names []T) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

// ExportOptions holds the user-chosen output format and resolution
type ExportOptions struct {
	Format     Format     `json:"format" toml:"format"`
	Resolution Resolution `json:"resolution" toml:"resolution"`
}

// DefaultExportOptions returns {png, original}
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		Format:     FormatPNG,
		Resolution: ResolutionOriginal,
	}
}

// Validate checks both fields against the enumerated values
func (o ExportOptions) Validate() error {
	if !o.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, o.Format)
	}
	if !o.Resolution.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, o.Resolution)
	}
	return nil
}

// ParseExportSpec parses "format:resolution" (e.g. "webp:hd"). Either side may be
// omitted, in which case the value from base is kept.
func ParseExportSpec(spec string, base ExportOptions) (ExportOptions, error) {
	out := base
	formatPart, resolutionPart, _ := strings.Cut(spec, ":")
	if formatPart != "" {
		f, err := ParseFormat(formatPart)
		if err != nil {
			return base, err
		}
		out.Format = f
	}
	if resolutionPart != "" {
		r, err := ParseResolution(resolutionPart)
		if err != nil {
			return base, err
		}
		out.Resolution = r
	}
	return out, nil
}

// DownloadFilename returns the save-as name for an export: processed_image_<resolution>.<format>
func DownloadFilename(opts ExportOptions) string {
	return fmt.Sprintf("processed_image_%s.%s", opts.Resolution, opts.Format)
}

// String renders the options as "format:resolution"
func (o ExportOptions) String() string {
	return fmt.Sprintf("%s:%s", o.Format, o.Resolution)
}

// RemoveBackgroundResponse is the JSON body of POST /api/remove-background
type RemoveBackgroundResponse struct {
	Success    bool   `json:"success"`
	MasterFile string `json:"master_file"`
	Message    string `json:"message,omitempty"`
}

// PrepareDownloadResponse is the JSON body of POST /api/prepare-download
type PrepareDownloadResponse struct {
	Success    bool   `json:"success"`
	OutputFile string `json:"output_file"`
	Message    string `json:"message,omitempty"`
}

// CleanupResponse is the JSON body of DELETE /api/cleanup/{identifier}
type CleanupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HealthStatus is the JSON body of GET /health
type HealthStatus struct {
	Status      string `json:"status"`
	API         string `json:"api"`
	ModelLoaded bool   `json:"model_loaded"`
}

// ErrorResponse is the JSON body returned with non-2xx responses
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Remote API paths
const (
	PathHealth           = "/health"
	PathRemoveBackground = "/api/remove-background"
	PathPrepareDownload  = "/api/prepare-download"
	PathDownload         = "/api/download/"
	PathCleanup          = "/api/cleanup/"
)

// Multipart form field names
const (
	FieldFile       = "file"
	FieldMasterFile = "master_file"
	FieldResolution = "resolution"
	FieldFormat     = "format"
)

// AllowedUploadExtensions are the image extensions the removal endpoint accepts
var AllowedUploadExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp"}
