package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tendant/imgpixel/internal/metrics"
	"github.com/tendant/imgpixel/internal/options"
	"github.com/tendant/imgpixel/internal/preview"
	"github.com/tendant/imgpixel/pkg/client"
	"github.com/tendant/imgpixel/pkg/pipeline"
)

type fakeRemote struct {
	mu        sync.Mutex
	removals  []string
	prepares  []pipeline.ExportOptions
	masters   []string
	removeFn  func(name string) (string, error)
	prepareFn func(master string, opts pipeline.ExportOptions) (string, error)
}

func (f *fakeRemote) RemoveBackground(ctx context.Context, fileName string, data []byte) (string, error) {
	f.mu.Lock()
	f.removals = append(f.removals, fileName)
	fn := f.removeFn
	n := len(f.removals)
	f.mu.Unlock()
	if fn != nil {
		return fn(fileName)
	}
	return fmt.Sprintf("m%d", n), nil
}

func (f *fakeRemote) PrepareDownload(ctx context.Context, masterFile string, opts pipeline.ExportOptions) (string, error) {
	f.mu.Lock()
	f.prepares = append(f.prepares, opts)
	f.masters = append(f.masters, masterFile)
	fn := f.prepareFn
	n := len(f.prepares)
	f.mu.Unlock()
	if fn != nil {
		return fn(masterFile, opts)
	}
	return fmt.Sprintf("out-%d.%s", n, opts.Format), nil
}

func (f *fakeRemote) DownloadURL(id string) string {
	return "http://svc/api/download/" + id
}

func (f *fakeRemote) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removals), len(f.prepares)
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (s *fakeSaver) Save(ctx context.Context, outputFile string, filename string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, filename)
	return "/downloads/" + filename, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	removals map[uint64]int
	exports  []string
}

func (r *fakeRecorder) RecordRemoval(ctx context.Context, sourceHash uint64, sourceName string, masterFile string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removals == nil {
		r.removals = make(map[uint64]int)
	}
	r.removals[sourceHash]++
	return r.removals[sourceHash], nil
}

func (r *fakeRecorder) RecordExport(ctx context.Context, masterFile string, outputFile string, opts pipeline.ExportOptions, filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports = append(r.exports, filename)
	return nil
}

type fixture struct {
	remote   *fakeRemote
	saver    *fakeSaver
	backend  *preview.MemoryBackend
	previews *preview.Manager
	coord    *Coordinator
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		remote:  &fakeRemote{},
		saver:   &fakeSaver{},
		backend: preview.NewMemoryBackend(),
	}
	f.previews = preview.NewManager(f.backend, nil)
	opts = append([]Option{WithSaver(f.saver)}, opts...)
	f.coord = NewCoordinator(f.remote, f.previews, options.NewDefaultStore(), opts...)
	return f
}

func TestSelectRemoveDownloadScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	snap, err := f.coord.SelectFile(ctx, "a.jpg", []byte("image-a"))
	require.NoError(t, err)
	require.Equal(t, StateSelected, snap.State)
	require.NotNil(t, snap.Original)
	require.Nil(t, snap.Processed)

	f.remote.removeFn = func(string) (string, error) { return "m1", nil }
	snap, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)
	require.Equal(t, StateReady, snap.State)
	require.Equal(t, "m1", snap.MasterFile)
	require.NotNil(t, snap.Processed)
	require.True(t, snap.Processed.Remote)
	require.Equal(t, "http://svc/api/download/m1", snap.Processed.URI)

	_, err = f.coord.SetOptions(options.Patch{
		Format:     ptr(pipeline.FormatWebP),
		Resolution: ptr(pipeline.ResolutionHD),
	})
	require.NoError(t, err)

	res, err := f.coord.Download(ctx)
	require.NoError(t, err)
	require.Equal(t, "processed_image_hd.webp", res.Export.Filename)
	require.Equal(t, "/downloads/processed_image_hd.webp", res.Export.Location)
	require.Equal(t, StateReady, res.Snapshot.State)
	require.Equal(t, []string{"processed_image_hd.webp"}, f.saver.saved)
	require.Equal(t, []string{"m1"}, f.remote.masters)

	final := f.coord.Snapshot()
	require.NotNil(t, final.LastExport)
	require.Equal(t, "/downloads/processed_image_hd.webp", final.LastExport.Location)
}

func TestDownloadWithoutRemovalIsRejectedLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	res, err := f.coord.Download(ctx)
	require.ErrorIs(t, err, ErrNoMaster)
	require.Equal(t, StateIdle, res.Snapshot.State)
	require.Equal(t, MessageProcessFirst, res.Snapshot.Message)
	require.False(t, res.Snapshot.Retryable)

	_, err = f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	res, err = f.coord.Download(ctx)
	require.ErrorIs(t, err, ErrNoMaster)
	require.Equal(t, StateSelected, res.Snapshot.State)
	require.Equal(t, MessageProcessFirst, res.Snapshot.Message)

	removals, prepares := f.remote.calls()
	require.Zero(t, removals)
	require.Zero(t, prepares)
	require.Empty(t, f.saver.saved)
}

func TestRemoveBackgroundWithoutSource(t *testing.T) {
	f := newFixture()

	snap, err := f.coord.RemoveBackground(context.Background())
	require.ErrorIs(t, err, ErrNoSource)
	require.Equal(t, StateIdle, snap.State)
	require.Equal(t, MessageSelectImage, snap.Message)

	removals, _ := f.remote.calls()
	require.Zero(t, removals)
}

func TestRemovalFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)

	f.remote.removeFn = func(string) (string, error) {
		return "", &client.StatusError{Op: "remove background", StatusCode: 500}
	}
	snap, err := f.coord.RemoveBackground(ctx)
	require.ErrorIs(t, err, ErrRemovalFailed)
	require.ErrorIs(t, err, client.ErrUnexpectedStatus)
	require.Equal(t, StateError, snap.State)
	require.Empty(t, snap.MasterFile)
	require.Nil(t, snap.Processed)
	require.Equal(t, MessageRemovalFailed, snap.Message)
	require.True(t, snap.Retryable)
	require.True(t, snap.CanRemoveBackground())
	require.False(t, snap.CanDownload())

	f.remote.removeFn = func(string) (string, error) { return "m2", nil }
	snap, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)
	require.Equal(t, StateReady, snap.State)
	require.Equal(t, "m2", snap.MasterFile)
	require.Empty(t, snap.Message)
	require.False(t, snap.Retryable)
}

func TestRepeatedDownloadsReuseMaster(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)

	exports := []pipeline.ExportOptions{
		{Format: pipeline.FormatPNG, Resolution: pipeline.ResolutionOriginal},
		{Format: pipeline.FormatWebP, Resolution: pipeline.ResolutionHD},
		{Format: pipeline.FormatPNG, Resolution: pipeline.Resolution4K},
	}
	for _, opts := range exports {
		_, err := f.coord.SetOptions(options.Patch{Format: ptr(opts.Format), Resolution: ptr(opts.Resolution)})
		require.NoError(t, err)
		res, err := f.coord.Download(ctx)
		require.NoError(t, err)
		require.Equal(t, pipeline.DownloadFilename(opts), res.Export.Filename)
	}

	removals, prepares := f.remote.calls()
	require.Equal(t, 1, removals)
	require.Equal(t, 3, prepares)
	require.Equal(t, exports, f.remote.prepares)
	require.Equal(t, []string{"m1", "m1", "m1"}, f.remote.masters)
}

func TestDownloadFailureRetainsMaster(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)

	f.remote.prepareFn = func(string, pipeline.ExportOptions) (string, error) {
		return "", errors.New("connection reset")
	}
	res, err := f.coord.Download(ctx)
	require.ErrorIs(t, err, ErrDownloadFailed)
	require.Equal(t, StateError, res.Snapshot.State)
	require.Equal(t, "m1", res.Snapshot.MasterFile)
	require.Equal(t, MessageDownloadFailed, res.Snapshot.Message)
	require.True(t, res.Snapshot.Retryable)
	require.True(t, res.Snapshot.CanDownload())
	require.Empty(t, f.saver.saved)

	f.remote.prepareFn = nil
	res, err = f.coord.Download(ctx)
	require.NoError(t, err)
	require.Equal(t, StateReady, res.Snapshot.State)

	removals, prepares := f.remote.calls()
	require.Equal(t, 1, removals)
	require.Equal(t, 2, prepares)
}

func TestSelectFileNeverLeaksHandles(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	for i := 0; i < 10; i++ {
		_, err := f.coord.SelectFile(ctx, fmt.Sprintf("img-%d.png", i), []byte{byte(i + 1)})
		require.NoError(t, err)
		require.Equal(t, 1, f.backend.Live())
		require.LessOrEqual(t, f.previews.Live(), 2)

		if i%2 == 0 {
			_, err = f.coord.RemoveBackground(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, f.previews.Live())
			require.Equal(t, 1, f.backend.Live())
		}
	}

	snap := f.coord.Snapshot()
	require.Equal(t, StateSelected, snap.State)
	require.Nil(t, snap.Processed)
	require.Empty(t, snap.MasterFile)
}

func TestClearReleasesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)
	_, err = f.coord.Download(ctx)
	require.NoError(t, err)

	snap := f.coord.Clear(ctx)
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Original)
	require.Nil(t, snap.Processed)
	require.Empty(t, snap.MasterFile)
	require.Empty(t, snap.SourceName)
	require.Nil(t, snap.LastExport)
	require.Zero(t, f.backend.Live())
	require.Zero(t, f.previews.Live())

	// Clearing twice is harmless.
	snap = f.coord.Clear(ctx)
	require.Equal(t, StateIdle, snap.State)
}

func TestStaleRemovalResponseIsDropped(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	f := newFixture(WithMetrics(m))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.removeFn = func(string) (string, error) {
		close(entered)
		<-release
		return "m-old", nil
	}

	_, err = f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.RemoveBackground(ctx)
		done <- err
	}()
	<-entered
	require.Equal(t, StateProcessing, f.coord.Snapshot().State)
	require.Equal(t, PhaseRemoval, f.coord.Snapshot().Phase)

	_, err = f.coord.SelectFile(ctx, "b.jpg", []byte("b"))
	require.NoError(t, err)
	close(release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("removal did not return")
	}

	snap := f.coord.Snapshot()
	require.Equal(t, StateSelected, snap.State)
	require.Equal(t, "b.jpg", snap.SourceName)
	require.Empty(t, snap.MasterFile)
	require.Nil(t, snap.Processed)
	require.Equal(t, 1, f.backend.Live())
	expected := `
# HELP imgpixel_stale_responses_total Remote responses dropped because the workflow moved on.
# TYPE imgpixel_stale_responses_total counter
imgpixel_stale_responses_total{op="removal"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "imgpixel_stale_responses_total"))
}

func TestStaleDownloadResponseIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.prepareFn = func(string, pipeline.ExportOptions) (string, error) {
		close(entered)
		<-release
		return "out-old.png", nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Download(ctx)
		done <- err
	}()
	<-entered
	require.Equal(t, PhaseDownload, f.coord.Snapshot().Phase)

	f.coord.Clear(ctx)
	close(release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not return")
	}

	snap := f.coord.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.LastExport)
	require.Empty(t, f.saver.saved)
}

func TestProcessingBlocksSecondAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.removeFn = func(string) (string, error) {
		close(entered)
		<-release
		return "m1", nil
	}

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.RemoveBackground(ctx)
		done <- err
	}()
	<-entered

	snap, err := f.coord.RemoveBackground(ctx)
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, StateProcessing, snap.State)
	require.False(t, snap.CanRemoveBackground())

	_, err = f.coord.Download(ctx)
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)

	removals, prepares := f.remote.calls()
	require.Equal(t, 1, removals)
	require.Zero(t, prepares)
}

func TestOptionChangeDuringDownloadDoesNotAffectInFlightRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.prepareFn = func(_ string, opts pipeline.ExportOptions) (string, error) {
		close(entered)
		<-release
		return "out.png", nil
	}

	done := make(chan DownloadResult, 1)
	go func() {
		res, _ := f.coord.Download(ctx)
		done <- res
	}()
	<-entered

	_, err = f.coord.SetOptions(options.WithFormat(pipeline.FormatWebP))
	require.NoError(t, err)
	close(release)

	res := <-done
	require.Equal(t, "processed_image_original.png", res.Export.Filename)
	require.Equal(t, pipeline.FormatWebP, f.coord.Options().Format)
}

func TestSaveFailureKeepsReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.saver.err = errors.New("disk full")

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)

	res, err := f.coord.Download(ctx)
	require.ErrorIs(t, err, ErrSaveFailed)
	require.Equal(t, StateReady, res.Snapshot.State)
	require.Equal(t, StateReady, f.coord.Snapshot().State)
	require.Empty(t, f.coord.Snapshot().Message)
}

func TestSubscribersSeeEveryTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	var mu sync.Mutex
	var states []State
	cancel := f.coord.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = f.coord.RemoveBackground(ctx)
	require.NoError(t, err)
	f.coord.Clear(ctx)

	cancel()
	_, err = f.coord.SelectFile(ctx, "b.jpg", []byte("b"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateSelected, StateProcessing, StateReady, StateIdle}, states)
}

func TestSupersededSnapshotIsNotDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	var got []Snapshot
	f.coord.Subscribe(func(s Snapshot) {
		got = append(got, s)
	})

	// A snapshot taken before a transition but published after it.
	stale := func() Snapshot {
		f.coord.mu.Lock()
		defer f.coord.mu.Unlock()
		return f.coord.snapshotLocked()
	}()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)
	f.coord.publish(stale)

	require.Len(t, got, 1)
	require.Equal(t, StateSelected, got[0].State)
	require.Greater(t, got[0].Version, stale.Version)
}

func TestSubscribersSeeTransitionsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("a"))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Snapshot
	f.coord.Subscribe(func(s Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	formats := []pipeline.Format{pipeline.FormatPNG, pipeline.FormatWebP}
	errs := make(chan error, 9)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.SetOptions(options.Patch{Format: ptr(formats[i%2])})
			errs <- err
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.coord.RemoveBackground(ctx)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i].Version, got[i-1].Version)
	}

	final := f.coord.Snapshot()
	last := got[len(got)-1]
	require.Equal(t, StateReady, last.State)
	require.Equal(t, final.State, last.State)
	require.Equal(t, final.Options, last.Options)
	require.Equal(t, final.Processed, last.Processed)
}

func TestRecorderReceivesHistory(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	f := newFixture(WithRecorder(rec))

	for i := 0; i < 2; i++ {
		_, err := f.coord.SelectFile(ctx, "a.jpg", []byte("same-bytes"))
		require.NoError(t, err)
		_, err = f.coord.RemoveBackground(ctx)
		require.NoError(t, err)
	}
	_, err := f.coord.Download(ctx)
	require.NoError(t, err)

	hash := f.coord.Snapshot().SourceHash
	require.Equal(t, 2, rec.removals[hash])
	require.Equal(t, []string{"processed_image_original.png"}, rec.exports)
}

func TestSelectEmptyFileIsRejected(t *testing.T) {
	f := newFixture()
	snap, err := f.coord.SelectFile(context.Background(), "empty.png", nil)
	require.ErrorIs(t, err, ErrEmptyFile)
	require.Equal(t, StateIdle, snap.State)
}

func ptr[T any](v T) *T {
	return &v
}
