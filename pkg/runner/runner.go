package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/tendant/imgpixel/internal/config"
	"github.com/tendant/imgpixel/internal/ledger"
	"github.com/tendant/imgpixel/internal/metrics"
	"github.com/tendant/imgpixel/internal/options"
	"github.com/tendant/imgpixel/internal/preview"
	"github.com/tendant/imgpixel/internal/storage"
	"github.com/tendant/imgpixel/internal/workflows"
	"github.com/tendant/imgpixel/pkg/client"
	"github.com/tendant/imgpixel/pkg/pipeline"
)

// ErrLedgerDisabled is returned by History when no ledger DSN is configured
var ErrLedgerDisabled = errors.New("ledger is disabled")

// Runner wires the coordinator to the remote client, preview storage, the
// output directory, the ledger and metrics
type Runner struct {
	cfg         *config.Config
	client      *client.Client
	coordinator *workflows.Coordinator
	previews    *preview.Manager
	saver       *storage.DirSaver
	ledger      *ledger.Ledger
	registry    *prometheus.Registry
}

// ProcessResult summarises one ProcessFile run
type ProcessResult struct {
	Source     string
	MasterFile string
	SeenCount  int
	Exports    []workflows.Export
}

// New creates a runner from configuration
func New(ctx context.Context, cfg *config.Config) (*Runner, error) {
	defaults, err := cfg.ExportDefaults()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var backend preview.Backend
	switch cfg.PreviewBackend {
	case config.PreviewFilesystem:
		dir := cfg.PreviewDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "imgpixel-previews")
		}
		fsBackend, err := preview.NewFilesystemBackend(dir)
		if err != nil {
			return nil, err
		}
		backend = fsBackend
	default:
		backend = preview.NewMemoryBackend()
	}

	c := client.NewWithHTTPClient(cfg.APIURL, &http.Client{Timeout: cfg.RequestTimeout()})

	saver, err := storage.NewDirSaver(cfg.OutputDir, c)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		client:   c,
		previews: preview.NewManager(backend, collector),
		saver:    saver,
		registry: registry,
	}

	coordOpts := []workflows.Option{
		workflows.WithSaver(saver),
		workflows.WithMetrics(collector),
	}
	if cfg.LedgerDSN != "" {
		l, err := ledger.Open(ctx, cfg.LedgerDriver, cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		r.ledger = l
		coordOpts = append(coordOpts, workflows.WithRecorder(l))
	}

	r.coordinator = workflows.NewCoordinator(c, r.previews, options.NewStore(defaults), coordOpts...)
	return r, nil
}

// Coordinator returns the workflow coordinator
func (r *Runner) Coordinator() *workflows.Coordinator {
	return r.coordinator
}

// Client returns the remote processing client
func (r *Runner) Client() *client.Client {
	return r.client
}

// OutputDir returns the absolute directory exports are saved to
func (r *Runner) OutputDir() string {
	return r.saver.Dir()
}

// MetricsHandler serves the runner's prometheus registry
func (r *Runner) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ProcessFile selects the file at path, removes its background once and then
// downloads every requested export from the same master. With cleanup set the
// exports and the master are deleted from the service afterwards.
func (r *Runner) ProcessFile(ctx context.Context, path string, exports []pipeline.ExportOptions, cleanup bool) (*ProcessResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if len(exports) == 0 {
		exports = []pipeline.ExportOptions{r.coordinator.Options()}
	}

	name := filepath.Base(path)
	if _, err := r.coordinator.SelectFile(ctx, name, data); err != nil {
		return nil, err
	}

	snap, err := r.coordinator.RemoveBackground(ctx)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Source: name, MasterFile: snap.MasterFile}
	if r.ledger != nil {
		if removal, err := r.ledger.Removal(ctx, snap.SourceHash); err == nil && removal != nil {
			result.SeenCount = removal.SeenCount
		}
	}

	for _, opts := range exports {
		f, res := opts.Format, opts.Resolution
		if _, err := r.coordinator.SetOptions(options.Patch{Format: &f, Resolution: &res}); err != nil {
			return result, err
		}
		dl, err := r.coordinator.Download(ctx)
		if err != nil {
			return result, err
		}
		result.Exports = append(result.Exports, dl.Export)
	}

	if cleanup {
		ids := make([]string, 0, len(result.Exports)+1)
		for _, e := range result.Exports {
			ids = append(ids, e.OutputFile)
		}
		ids = append(ids, result.MasterFile)
		for _, id := range ids {
			if _, err := r.client.Cleanup(ctx, id); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("id", id).Msg("cleanup failed")
			}
		}
	}

	return result, nil
}

// Health queries the remote service
func (r *Runner) Health(ctx context.Context) (*pipeline.HealthStatus, error) {
	return r.client.Health(ctx)
}

// Cleanup deletes a file from the remote service
func (r *Runner) Cleanup(ctx context.Context, id string) (bool, error) {
	return r.client.Cleanup(ctx, id)
}

// History returns the latest recorded exports
func (r *Runner) History(ctx context.Context, limit int) ([]ledger.Export, error) {
	if r.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	return r.ledger.Exports(ctx, limit)
}

// Shutdown releases previews and closes the ledger
func (r *Runner) Shutdown(ctx context.Context) error {
	r.coordinator.Clear(ctx)
	if r.ledger != nil {
		return r.ledger.Close()
	}
	return nil
}
