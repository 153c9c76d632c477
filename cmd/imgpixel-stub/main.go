package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tendant/imgpixel/internal/config"
	"github.com/tendant/imgpixel/internal/handlers"
	"github.com/tendant/imgpixel/internal/logging"
	"github.com/tendant/imgpixel/internal/render"
	"github.com/tendant/imgpixel/internal/storage"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"
)

// Development stand-in for the background-removal service.
// Artifacts live in simple-content's development preset (in-memory
// repository + filesystem storage), no model is loaded.
func main() {
	configPath := flag.String("config", "", "Configuration file path (TOML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	svc, cleanup, err := presets.NewDevelopment(
		presets.WithDevStorage(cfg.StubStorageDir),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simple-content service")
	}
	defer cleanup()

	handler := handlers.NewStubHandler(storage.NewContentStore(svc), render.DefaultCornerKey)

	server := &http.Server{
		Addr:              cfg.StubAddr,
		Handler:           handlers.RequestLogger(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.StubAddr).
			Str("storage_dir", cfg.StubStorageDir).
			Msg("stub service ready")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
