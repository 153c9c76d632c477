package runner

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tendant/imgpixel/internal/config"
	"github.com/tendant/imgpixel/internal/handlers"
	"github.com/tendant/imgpixel/internal/render"
	"github.com/tendant/imgpixel/internal/storage"
	"github.com/tendant/imgpixel/pkg/pipeline"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"
)

func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	h := handlers.NewStubHandler(storage.NewContentStore(svc), render.DefaultCornerKey)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func writeSource(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newTestRunner(t *testing.T, apiURL string, ledgerDSN string) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL = apiURL
	cfg.OutputDir = t.TempDir()
	cfg.LedgerDSN = ledgerDSN

	r, err := New(context.Background(), &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func TestProcessFileMultipleExports(t *testing.T) {
	srv := newStubServer(t)
	r := newTestRunner(t, srv.URL, ":memory:")
	ctx := context.Background()
	src := writeSource(t)

	exports := []pipeline.ExportOptions{
		{Format: pipeline.FormatPNG, Resolution: pipeline.ResolutionHD},
		{Format: pipeline.FormatWebP, Resolution: pipeline.ResolutionOriginal},
	}

	result, err := r.ProcessFile(ctx, src, exports, false)
	require.NoError(t, err)
	require.NotEmpty(t, result.MasterFile)
	require.Equal(t, 1, result.SeenCount)
	require.Len(t, result.Exports, 2)

	require.FileExists(t, filepath.Join(r.OutputDir(), "processed_image_hd.png"))
	require.FileExists(t, filepath.Join(r.OutputDir(), "processed_image_original.webp"))
	require.Equal(t, filepath.Join(r.OutputDir(), "processed_image_hd.png"), result.Exports[0].Location)

	history, err := r.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, exports[1], history[0].Options)

	// Same bytes again: counted, and saved files never overwrite.
	again, err := r.ProcessFile(ctx, src, exports[:1], false)
	require.NoError(t, err)
	require.Equal(t, 2, again.SeenCount)
	require.FileExists(t, filepath.Join(r.OutputDir(), "processed_image_hd (1).png"))
}

func TestProcessFileCleanup(t *testing.T) {
	srv := newStubServer(t)
	r := newTestRunner(t, srv.URL, "")
	ctx := context.Background()

	result, err := r.ProcessFile(ctx, writeSource(t), nil, true)
	require.NoError(t, err)
	require.Len(t, result.Exports, 1)
	require.Equal(t, "processed_image_original.png", result.Exports[0].Filename)

	_, _, err = r.Client().Download(ctx, result.MasterFile)
	require.Error(t, err)

	removed, err := r.Cleanup(ctx, result.Exports[0].OutputFile)
	require.NoError(t, err)
	require.False(t, removed)

	_, err = r.History(ctx, 5)
	require.ErrorIs(t, err, ErrLedgerDisabled)
}

func TestHealth(t *testing.T) {
	srv := newStubServer(t)
	r := newTestRunner(t, srv.URL, "")

	status, err := r.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", status.Status)
}

func TestProcessFileMissingSource(t *testing.T) {
	r := newTestRunner(t, "http://127.0.0.1:1", "")

	_, err := r.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "nope.png"), nil, false)
	require.Error(t, err)
}
