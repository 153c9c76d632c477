package workflows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tendant/imgpixel/internal/metrics"
	"github.com/tendant/imgpixel/internal/options"
	"github.com/tendant/imgpixel/internal/preview"
	"github.com/tendant/imgpixel/pkg/pipeline"
)

// ticket identifies the selection and master a remote request was issued against.
// A response is applied only if the coordinator still holds the same ticket.
type ticket struct {
	generation uint64
	master     string
}

// Coordinator owns the upload/processing/export workflow. It sequences the two
// remote calls, keeps one preview handle per role and drops responses that
// arrive after a newer selection or clear.
type Coordinator struct {
	remote   Remote
	previews *preview.Manager
	options  *options.Store
	saver    Saver
	recorder Recorder
	metrics  *metrics.Collector

	mu         sync.Mutex
	state      State
	phase      Phase
	source     *SourceFile
	master     string
	message    string
	retryable  bool
	lastExport *Export
	generation uint64
	version    uint64

	subMu       sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSub     int

	// pubMu serializes delivery; delivered is the newest version sent
	pubMu     sync.Mutex
	delivered uint64
}

// Option configures optional Coordinator collaborators
type Option func(*Coordinator)

// WithSaver sets the save-as side effect run after a download is prepared
func WithSaver(s Saver) Option {
	return func(c *Coordinator) {
		c.saver = s
	}
}

// WithRecorder sets the history recorder
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithMetrics sets the prometheus collector
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a coordinator in the Idle state
func NewCoordinator(remote Remote, previews *preview.Manager, store *options.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		remote:      remote,
		previews:    previews,
		options:     store,
		state:       StateIdle,
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn to receive every new snapshot. Snapshots arrive in
// Version order; one that is superseded before delivery is skipped. fn must
// not call back into mutating Coordinator methods synchronously. The returned
// function removes the subscription.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

// Options returns the current export options
func (c *Coordinator) Options() pipeline.ExportOptions {
	return c.options.Get()
}

// SetOptions merges p into the export options. It never contacts the remote
// service and does not affect a download already in flight.
func (c *Coordinator) SetOptions(p options.Patch) (pipeline.ExportOptions, error) {
	c.mu.Lock()
	opts, err := c.options.Set(p)
	if err != nil {
		c.mu.Unlock()
		return opts, err
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
	return opts, nil
}

// SelectFile replaces the source file from any state and moves to Selected.
// Any in-flight request is superseded.
func (c *Coordinator) SelectFile(ctx context.Context, name string, data []byte) (Snapshot, error) {
	if len(data) == 0 {
		return c.Snapshot(), ErrEmptyFile
	}

	owned := make([]byte, len(data))
	copy(owned, data)
	src := &SourceFile{
		Name: name,
		Data: owned,
		Hash: xxhash.Sum64(owned),
	}

	c.mu.Lock()
	c.generation++
	c.master = ""
	c.message = ""
	c.retryable = false
	c.lastExport = nil
	c.previews.Release(ctx, preview.RoleProcessed)

	if _, err := c.previews.Allocate(ctx, preview.RoleOriginal, src.Data); err != nil {
		c.source = nil
		c.transitionLocked(StateIdle, PhaseNone)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return snap, err
	}

	c.source = src
	c.transitionLocked(StateSelected, PhaseNone)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Ctx(ctx).Info().
		Str("file", name).
		Int("bytes", len(owned)).
		Uint64("generation", snap.Generation).
		Msg("source file selected")

	c.publish(snap)
	return snap, nil
}

// Clear releases both previews and returns to Idle from any state
func (c *Coordinator) Clear(ctx context.Context) Snapshot {
	c.mu.Lock()
	c.generation++
	c.source = nil
	c.master = ""
	c.message = ""
	c.retryable = false
	c.lastExport = nil
	c.previews.ReleaseAll(ctx)
	c.transitionLocked(StateIdle, PhaseNone)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Ctx(ctx).Info().Uint64("generation", snap.Generation).Msg("workflow cleared")

	c.publish(snap)
	return snap
}

// RemoveBackground submits the selected file to the removal endpoint and blocks
// until the response is applied or dropped
func (c *Coordinator) RemoveBackground(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.state == StateProcessing {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	}
	if c.source == nil {
		snap := c.rejectLocked(MessageSelectImage, "no_source")
		c.mu.Unlock()
		c.publish(snap)
		return snap, ErrNoSource
	}

	t := ticket{generation: c.generation}
	src := c.source
	c.master = ""
	c.message = ""
	c.retryable = false
	c.lastExport = nil
	c.previews.Release(ctx, preview.RoleProcessed)
	c.transitionLocked(StateProcessing, PhaseRemoval)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	runID := uuid.NewString()
	logger := log.Ctx(ctx).With().Str("run_id", runID).Str("file", src.Name).Logger()
	logger.Info().Msg("starting background removal")

	started := time.Now()
	masterFile, err := c.remote.RemoveBackground(ctx, src.Name, src.Data)
	c.metrics.RemoteCall(string(PhaseRemoval), started, err)

	c.mu.Lock()
	if c.generation != t.generation {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.metrics.StaleResponse(string(PhaseRemoval))
		logger.Info().Msg("dropping superseded removal response")
		return snap, ErrSuperseded
	}

	if err != nil {
		c.message = MessageRemovalFailed
		c.retryable = true
		c.transitionLocked(StateError, PhaseNone)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		logger.Error().Err(err).Msg("background removal failed")
		c.publish(snap)
		return snap, fmt.Errorf("%w: %w", ErrRemovalFailed, err)
	}

	c.master = masterFile
	c.previews.Reference(ctx, preview.RoleProcessed, c.remote.DownloadURL(masterFile))
	c.transitionLocked(StateReady, PhaseNone)
	snap = c.snapshotLocked()
	c.mu.Unlock()

	logger.Info().Str("master_file", masterFile).Dur("duration", time.Since(started)).Msg("background removed")
	c.publish(snap)

	if c.recorder != nil {
		seen, err := c.recorder.RecordRemoval(ctx, src.Hash, src.Name, masterFile)
		if err != nil {
			// History is best effort.
			logger.Warn().Err(err).Msg("failed to record removal")
		} else if seen > 1 {
			logger.Info().Int("seen_count", seen).Msg("same source processed before")
		}
	}

	return snap, nil
}

// Download renders the master artifact with the current export options and
// then saves the result. The master is reused: no removal call is made.
func (c *Coordinator) Download(ctx context.Context) (DownloadResult, error) {
	c.mu.Lock()
	if c.state == StateProcessing {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return DownloadResult{Snapshot: snap}, ErrBusy
	}
	if c.master == "" {
		snap := c.rejectLocked(MessageProcessFirst, "no_master")
		c.mu.Unlock()
		c.publish(snap)
		return DownloadResult{Snapshot: snap}, ErrNoMaster
	}

	t := ticket{generation: c.generation, master: c.master}
	// Options are read once; later changes do not affect this request.
	opts := c.options.Get()
	c.message = ""
	c.retryable = false
	c.transitionLocked(StateProcessing, PhaseDownload)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	runID := uuid.NewString()
	logger := log.Ctx(ctx).With().
		Str("run_id", runID).
		Str("master_file", t.master).
		Str("options", opts.String()).
		Logger()
	logger.Info().Msg("preparing download")

	started := time.Now()
	outputFile, err := c.remote.PrepareDownload(ctx, t.master, opts)
	c.metrics.RemoteCall(string(PhaseDownload), started, err)

	c.mu.Lock()
	if c.generation != t.generation || c.master != t.master {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.metrics.StaleResponse(string(PhaseDownload))
		logger.Info().Msg("dropping superseded download response")
		return DownloadResult{Snapshot: snap}, ErrSuperseded
	}

	if err != nil {
		c.message = MessageDownloadFailed
		c.retryable = true
		c.transitionLocked(StateError, PhaseNone)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		logger.Error().Err(err).Msg("download preparation failed")
		c.publish(snap)
		return DownloadResult{Snapshot: snap}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	export := Export{
		OutputFile: outputFile,
		Filename:   pipeline.DownloadFilename(opts),
		Options:    opts,
	}
	recorded := export
	c.lastExport = &recorded
	c.transitionLocked(StateReady, PhaseNone)
	snap = c.snapshotLocked()
	c.mu.Unlock()

	logger.Info().Str("output_file", outputFile).Str("filename", export.Filename).Msg("download prepared")
	c.publish(snap)

	if c.recorder != nil {
		if err := c.recorder.RecordExport(ctx, t.master, outputFile, opts, export.Filename); err != nil {
			logger.Warn().Err(err).Msg("failed to record export")
		}
	}

	if c.saver == nil {
		return DownloadResult{Snapshot: snap, Export: export}, nil
	}

	location, err := c.saver.Save(ctx, outputFile, export.Filename)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to save export")
		return DownloadResult{Snapshot: snap, Export: export}, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	export.Location = location
	logger.Info().Str("location", location).Msg("export saved")

	c.mu.Lock()
	if c.lastExport != nil && c.lastExport.OutputFile == outputFile {
		c.lastExport.Location = location
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	return DownloadResult{Snapshot: snap, Export: export}, nil
}

// rejectLocked records a local validation failure without changing state
func (c *Coordinator) rejectLocked(message, reason string) Snapshot {
	c.message = message
	c.retryable = false
	c.metrics.ValidationError(reason)
	return c.snapshotLocked()
}

func (c *Coordinator) transitionLocked(to State, phase Phase) {
	if c.state != to {
		c.metrics.Transition(string(c.state), string(to))
	}
	c.state = to
	c.phase = phase
}

func (c *Coordinator) snapshotLocked() Snapshot {
	c.version++
	snap := Snapshot{
		Version:    c.version,
		State:      c.state,
		Phase:      c.phase,
		MasterFile: c.master,
		Options:    c.options.Get(),
		Message:    c.message,
		Retryable:  c.retryable,
		Generation: c.generation,
	}
	if c.source != nil {
		snap.SourceName = c.source.Name
		snap.SourceHash = c.source.Hash
	}
	if h, ok := c.previews.Current(preview.RoleOriginal); ok {
		snap.Original = &h
	}
	if h, ok := c.previews.Current(preview.RoleProcessed); ok {
		snap.Processed = &h
	}
	if c.lastExport != nil {
		e := *c.lastExport
		snap.LastExport = &e
	}
	return snap
}

func (c *Coordinator) publish(snap Snapshot) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if snap.Version <= c.delivered {
		return
	}
	c.delivered = snap.Version

	c.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
