// main package for the voice-clone-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/artifact"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/model"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/server"
	"github.com/book-expert/voice-clone-service/internal/session"
	"github.com/book-expert/voice-clone-service/internal/vcutil"
)

const (
	logFileName     = "voice-clone-service.log"
	shutdownTimeout = 15 * time.Second
	readHeaderLimit = 10 * time.Second
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

// runService wires the pipeline together and serves HTTP until the context is
// cancelled.
func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	for _, dir := range []string{
		cfg.Paths.ModelsDir,
		cfg.Paths.TempUploadsDir,
		cfg.Paths.OutputsDir,
	} {
		dirErr := vcutil.EnsureDir(dir)
		if dirErr != nil {
			return dirErr
		}
	}

	models, modelsErr := buildModelCache(ctx, cfg, log)
	if modelsErr != nil {
		return modelsErr
	}

	archive, archiveErr := openArchive(cfg, log)
	if archiveErr != nil {
		return archiveErr
	}

	if archive != nil {
		defer archive.Close()
	}

	sessions, sessionsErr := session.NewManager(
		cfg.Paths.TempUploadsDir,
		cfg.Paths.OutputsDir,
		log,
	)
	if sessionsErr != nil {
		return fmt.Errorf("failed to create session manager: %w", sessionsErr)
	}

	orchestrator := buildOrchestrator(cfg, models, archive, log)
	httpServer := &http.Server{
		Addr: net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler: http.TimeoutHandler(
			server.New(orchestrator, sessions, log).Handler(),
			time.Duration(cfg.HTTP.RequestTimeoutSeconds)*time.Second,
			"request timed out",
		),
		ReadHeaderTimeout: readHeaderLimit,
	}

	return serve(ctx, httpServer, log)
}

// buildModelCache provisions all model artifacts and warms the cache so the
// first request does not pay the load cost.
func buildModelCache(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
) (*model.Cache, error) {
	manifest, manifestErr := artifact.LoadManifest(cfg.Artifacts.ManifestPath)
	if manifestErr != nil {
		return nil, fmt.Errorf("failed to load artifact manifest: %w", manifestErr)
	}

	provisioner := artifact.NewProvisioner(
		manifest,
		cfg.Paths.ModelsDir,
		cfg.Artifacts.DownloadRetries,
		time.Duration(cfg.Artifacts.DownloadBackoffSeconds)*time.Second,
		time.Duration(cfg.Artifacts.DownloadTimeoutSeconds)*time.Second,
		log,
	)

	ensureErr := provisioner.EnsureAll(ctx)
	if ensureErr != nil {
		return nil, fmt.Errorf("failed to provision model artifacts: %w", ensureErr)
	}

	cache := model.NewCache(
		provisioner,
		model.NewRunnerLoaders(
			cfg.Pipeline.RunnerBinary,
			cfg.Pipeline.SynthesisSampleRate,
			log,
		),
		log,
	)

	warmErr := cache.WarmUp(ctx)
	if warmErr != nil {
		return nil, fmt.Errorf("failed to warm model cache: %w", warmErr)
	}

	log.System("All models provisioned and loaded.")

	return cache, nil
}

// openArchive connects the optional rendered-output archive. An empty NATS
// URL disables archiving.
func openArchive(
	cfg *config.Config,
	log *logger.Logger,
) (*objectstore.NatsObjectStore, error) {
	if cfg.NATS.URL == "" {
		log.Info("Output archiving disabled, no NATS URL configured.")

		return nil, nil
	}

	archive, connectErr := objectstore.Connect(
		cfg.NATS.URL,
		cfg.NATS.OutputObjectStoreBucket,
	)
	if connectErr != nil {
		return nil, fmt.Errorf("failed to open output archive: %w", connectErr)
	}

	log.Info(
		"Archiving rendered outputs to bucket '%s'.",
		cfg.NATS.OutputObjectStoreBucket,
	)

	return archive, nil
}

func buildOrchestrator(
	cfg *config.Config,
	models *model.Cache,
	archive *objectstore.NatsObjectStore,
	log *logger.Logger,
) *pipeline.Orchestrator {
	preprocessor := audio.NewPreprocessor(audio.Options{
		TargetSampleRate:     cfg.Pipeline.EncoderSampleRate,
		MinReferenceSeconds:  cfg.Pipeline.MinReferenceSeconds,
		SilenceThresholdDBFS: cfg.Pipeline.SilenceThresholdDBFS,
		LoudnessTarget:       cfg.Pipeline.LoudnessTarget,
		LoudnessNormalize:    cfg.Pipeline.LoudnessNormalize,
		FFmpegBinary:         "",
	}, log)

	pool := pipeline.NewPool(
		cfg.Pipeline.MaxConcurrent,
		time.Duration(cfg.Pipeline.AdmissionWaitSeconds)*time.Second,
	)

	// The nil interface check matters here: a typed nil pointer inside a
	// non-nil interface would defeat the orchestrator's disabled-archive
	// path.
	var store core.ObjectStore
	if archive != nil {
		store = archive
	}

	return pipeline.NewOrchestrator(models, preprocessor, pool, store, log)
}

// serve runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func serve(ctx context.Context, httpServer *http.Server, log *logger.Logger) error {
	serveErrs := make(chan error, 1)

	go func() {
		log.System("Voice-clone service listening on %s", httpServer.Addr)

		listenErr := httpServer.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serveErrs <- listenErr
		}

		close(serveErrs)
	}()

	select {
	case listenErr, ok := <-serveErrs:
		if ok {
			return fmt.Errorf("http server failed: %w", listenErr)
		}

		return nil
	case <-ctx.Done():
	}

	log.System("Shutdown signal received, draining requests.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("http server shutdown failed: %w", shutdownErr)
	}

	log.System("Voice-clone service stopped.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
