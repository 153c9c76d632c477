package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tendant/imgpixel/internal/render"
	"github.com/tendant/imgpixel/internal/storage"
	"github.com/tendant/imgpixel/pkg/pipeline"
)

// DefaultMaxUploadBytes caps multipart request bodies
const DefaultMaxUploadBytes = 32 << 20

// Store holds master and export artifacts
type Store interface {
	PutMaster(ctx context.Context, fileName string, r io.Reader) (string, error)
	PutExport(ctx context.Context, masterID string, variant string, fileName string, r io.Reader) (string, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *storage.Metadata, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// StubHandler serves a development stand-in for the background-removal service
type StubHandler struct {
	store          Store
	remover        render.Remover
	maxUploadBytes int64
}

// NewStubHandler creates a new stub handler
func NewStubHandler(store Store, remover render.Remover) *StubHandler {
	return &StubHandler{
		store:          store,
		remover:        remover,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
}

// Routes registers every endpoint on a new mux
func (h *StubHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(pipeline.PathHealth, h.HandleHealth)
	mux.HandleFunc(pipeline.PathRemoveBackground, h.HandleRemoveBackground)
	mux.HandleFunc(pipeline.PathPrepareDownload, h.HandlePrepareDownload)
	mux.HandleFunc(pipeline.PathDownload, h.HandleDownload)
	mux.HandleFunc(pipeline.PathCleanup, h.HandleCleanup)
	return mux
}

// HandleHealth handles GET /health
func (h *StubHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, pipeline.HealthStatus{
		Status:      "healthy",
		API:         "running",
		ModelLoaded: h.remover != nil,
	})
}

// HandleRemoveBackground handles POST /api/remove-background
func (h *StubHandler) HandleRemoveBackground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.remover == nil {
		writeError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile(pipeline.FieldFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slices.Contains(pipeline.AllowedUploadExtensions, ext) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid file type. Allowed: %s", strings.Join(pipeline.AllowedUploadExtensions, ", ")))
		return
	}

	img, err := render.Decode(file)
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("file", header.Filename).Msg("upload rejected")
		writeError(w, http.StatusBadRequest, "File is not a readable image")
		return
	}

	master, err := render.Encode(h.remover.Remove(img))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error processing image: %v", err))
		return
	}

	stem := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	masterID, err := h.store.PutMaster(r.Context(), "master_"+stem+".png", bytes.NewReader(master))
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to store master")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error processing image: %v", err))
		return
	}

	log.Ctx(r.Context()).Info().Str("master_file", masterID).Str("source", header.Filename).Msg("background removed")

	writeJSON(w, http.StatusOK, pipeline.RemoveBackgroundResponse{
		Success:    true,
		MasterFile: masterID,
		Message:    "Background removed successfully",
	})
}

// HandlePrepareDownload handles POST /api/prepare-download
func (h *StubHandler) HandlePrepareDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid form: %v", err))
		return
	}

	masterID := r.FormValue(pipeline.FieldMasterFile)
	if masterID == "" {
		writeError(w, http.StatusBadRequest, "master_file is required")
		return
	}

	opts := exportOptions(r.FormValue(pipeline.FieldFormat), r.FormValue(pipeline.FieldResolution))

	reader, _, err := h.store.Open(r.Context(), masterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Master file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error preparing download: %v", err))
		return
	}
	img, err := render.Decode(reader)
	reader.Close()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error preparing download: %v", err))
		return
	}

	data, _, err := render.Export(img, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error preparing download: %v", err))
		return
	}

	outputID, err := h.store.PutExport(r.Context(), masterID, exportVariant(opts), pipeline.DownloadFilename(opts), bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error preparing download: %v", err))
		return
	}

	log.Ctx(r.Context()).Info().Str("master_file", masterID).Str("output_file", outputID).Str("options", opts.String()).Msg("export prepared")

	writeJSON(w, http.StatusOK, pipeline.PrepareDownloadResponse{
		Success:    true,
		OutputFile: outputID,
	})
}

// HandleDownload handles GET /api/download/{id}
func (h *StubHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, pipeline.PathDownload)
	if id == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	reader, meta, err := h.store.Open(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer reader.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = render.ContentTypePNG
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("id", id).Msg("download interrupted")
	}
}

// HandleCleanup handles DELETE /api/cleanup/{id}
func (h *StubHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, pipeline.PathCleanup)
	removed, err := h.store.Remove(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error cleaning up: %v", err))
		return
	}

	resp := pipeline.CleanupResponse{Success: removed, Message: "File not found"}
	if removed {
		resp.Message = "File cleaned up successfully"
	}
	writeJSON(w, http.StatusOK, resp)
}

// exportOptions applies the service defaults: unknown format means png and
// unknown resolution is rendered as hd.
func exportOptions(format, resolution string) pipeline.ExportOptions {
	opts := pipeline.DefaultExportOptions()
	if f, err := pipeline.ParseFormat(format); err == nil {
		opts.Format = f
	}
	if resolution == "" {
		return opts
	}
	if r, err := pipeline.ParseResolution(resolution); err == nil {
		opts.Resolution = r
	} else {
		opts.Resolution = pipeline.ResolutionHD
	}
	return opts
}

// exportVariant names an export in storage, e.g. "webp_hd"
func exportVariant(opts pipeline.ExportOptions) string {
	return string(opts.Format) + "_" + string(opts.Resolution)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, pipeline.ErrorResponse{Detail: detail})
}
