package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mishran/internal/archive"
	"mishran/internal/config"
	"mishran/internal/encoder"
	"mishran/internal/library"
	"mishran/internal/logger"
	"mishran/internal/server"
	"mishran/internal/session"
)

const (
	httpShutdownTimeout = 5 * time.Second
	archiveDrainTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zl, err := logger.New(logger.Options{Level: cfg.Log.Level})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited with error", zap.Error(err))
	}
	zl.Info("graceful shutdown complete")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lib := library.New(cfg.Recording.Dir)
	if err := lib.EnsureDir(); err != nil {
		return err
	}

	ffmpeg := encoder.NewFFmpegService(cfg.Recording.FFmpegPath)
	if version, err := ffmpeg.Version(); err != nil {
		log.Warn("ffmpeg unavailable, recordings will fail to start", zap.String("path", ffmpeg.Path()), zap.Error(err))
	} else {
		log.Info("ffmpeg found", zap.String("version", version))
	}

	uploader, err := newUploader(ctx, cfg.Archive, log)
	if err != nil {
		return err
	}

	launcherOpts := encoder.LauncherOptions{
		FFmpegPath: cfg.Recording.FFmpegPath,
		QueueSize:  cfg.Recording.QueueSize,
		Logger:     log,
	}
	if uploader != nil {
		launcherOpts.OnExit = uploader.Archive
	}

	coordinator := session.NewCoordinator(session.Options{
		Launcher:        session.EncoderLauncher{Launcher: encoder.NewLauncher(launcherOpts)},
		RecordingDir:    cfg.Recording.Dir,
		Container:       cfg.Recording.Container,
		Logger:          log,
		ShutdownTimeout: cfg.Recording.ShutdownTimeout,
	})

	srv := server.New(cfg, coordinator, lib, ffmpeg, log)
	srv.RegisterFiberRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info("server starting",
		zap.String("addr", addr),
		zap.String("connect", fmt.Sprintf("ws://%s:%d", localIP(), cfg.Server.Port)),
		zap.String("recordings", cfg.Recording.Dir),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.Listen(addr); err != nil {
			return errors.Wrap(err, "http server error")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info("shutting down gracefully, press Ctrl+C again to force")
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			log.Warn("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()

	if uploader != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), archiveDrainTimeout)
		defer cancel()
		if stopErr := uploader.Stop(drainCtx); stopErr != nil {
			log.Warn("archive uploads abandoned", zap.Error(stopErr))
		}
	}

	return err
}

func newUploader(ctx context.Context, cfg config.ArchiveConfig, log *zap.Logger) (*archive.Uploader, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	store, err := archive.NewS3Store(archive.S3Options{
		Bucket:   cfg.Bucket,
		Endpoint: cfg.Endpoint,
		Region:   cfg.Region,
		KeyID:    cfg.KeyID,
		AppKey:   cfg.AppKey,
	})
	if err != nil {
		return nil, err
	}

	uploader := archive.NewUploader(store, archive.Options{
		Workers:      cfg.Workers,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		DeleteLocal:  cfg.DeleteLocal,
		Logger:       log,
	})
	// uploads outlive the signal so recordings finalized during shutdown are still archived
	uploader.Start(context.WithoutCancel(ctx))

	log.Info("archiving recordings", zap.String("bucket", cfg.Bucket), zap.Int("workers", cfg.Workers))
	return uploader, nil
}

// localIP returns the first non-loopback IPv4 address of this host.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "localhost"
}
