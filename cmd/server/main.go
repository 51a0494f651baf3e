package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/api"
	"github.com/opensandbox/runbox/internal/config"
	"github.com/opensandbox/runbox/internal/db"
	"github.com/opensandbox/runbox/internal/events"
	"github.com/opensandbox/runbox/internal/executor"
	"github.com/opensandbox/runbox/internal/heartbeat"
	"github.com/opensandbox/runbox/internal/joblog"
	"github.com/opensandbox/runbox/internal/language"
	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/internal/podman"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/internal/storage"
	"github.com/opensandbox/runbox/internal/vfs"
	"github.com/opensandbox/runbox/pkg/types"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "runbox").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}

	ctx := context.Background()
	langs := language.NewRegistry(cfg.Images)

	runner, err := newRunner(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("failed to initialize sandbox backend")
	}
	defer runner.Close()

	if cfg.PullImagesOnBoot {
		for _, d := range langs.List() {
			pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			if err := runner.EnsureImage(pullCtx, d.Image); err != nil {
				log.Warn().Err(err).Str("image", d.Image).Msg("failed to pull language image")
			}
			cancel()
		}
	}

	// Local job log: history for evicted jobs and the event outbox.
	jobLog, err := joblog.Open(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to open job log")
	}
	defer jobLog.Close()

	if n, err := jobLog.RecoverInterrupted(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to recover interrupted jobs")
	} else if n > 0 {
		log.Info().Int("jobs", n).Msg("marked interrupted jobs as failed")
	}
	if n, err := jobLog.Prune(ctx, time.Now().Add(-7*24*time.Hour)); err != nil {
		log.Warn().Err(err).Msg("failed to prune job log")
	} else if n > 0 {
		log.Info().Int64("jobs", n).Msg("pruned job log")
	}

	// Project store: PostgreSQL when configured, memory otherwise.
	var (
		store        *db.Store
		projectStore vfs.Store = vfs.NewMemoryStore()
	)
	if cfg.DatabaseURL != "" {
		store, err = db.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer store.Close()

		log.Info().Msg("running database migrations")
		if err := store.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		projectStore = store.Projects()
	} else {
		log.Info().Msg("no database configured, projects are kept in memory")
	}

	var vfsOpts []vfs.Option
	if cfg.ArchivesEnabled() {
		archives, err := storage.NewArchiveStore(ctx, storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize archive store, export and import disabled")
		} else {
			vfsOpts = append(vfsOpts, vfs.WithArchiveStore(archives))
			log.Info().Str("bucket", cfg.S3Bucket).Str("region", cfg.S3Region).Msg("archive store configured")
		}
	}
	projects := vfs.NewService(projectStore, langs, vfs.Limits{
		MaxFiles:     cfg.MaxProjectFiles,
		MaxFileBytes: cfg.MaxFileBytes,
	}, log, vfsOpts...)

	exec := executor.New(executor.Config{
		PoolSize:        cfg.PoolSize,
		QueueSize:       cfg.QueueSize,
		MaxCodeBytes:    cfg.MaxCodeBytes,
		MaxTimeout:      cfg.MaxTimeout,
		MaxMemoryMB:     cfg.MaxMemoryMB,
		MaxCPUShare:     cfg.MaxCPUShare,
		PidsLimit:       cfg.PidsLimit,
		CancelGrace:     cfg.CancelGrace,
		MaxStartRetries: cfg.StartRetries,
		RetryBackoff:    executor.DefaultConfig().RetryBackoff,
		JobRetention:    cfg.JobRetention,
	}, langs, runner, projects, log)
	exec.SetHistory(jobLog)
	exec.Observe(jobLog.Observe)
	exec.Start()

	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL, cfg.InstanceID, jobLog, log)
		if err != nil {
			log.Warn().Err(err).Msg("event publisher not available, continuing without")
		} else {
			publisher.Start()
			defer publisher.Stop()
		}

		if store != nil {
			consumer, err := db.NewSyncConsumer(store, cfg.NATSURL, log)
			if err != nil {
				log.Warn().Err(err).Msg("job history consumer not available, continuing without")
			} else if err := consumer.Start(); err != nil {
				log.Warn().Err(err).Msg("failed to start job history consumer")
			} else {
				defer consumer.Stop()
			}
		}
	}

	if cfg.RedisURL != "" {
		hb, err := heartbeat.New(cfg.RedisURL, cfg.InstanceID, cfg.HTTPAddr, log)
		if err != nil {
			log.Warn().Err(err).Msg("heartbeat not available, continuing without")
		} else {
			hb.Start(func() types.Health {
				hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return exec.HealthCheck(hctx)
			})
			defer hb.Stop()
		}
	}

	server := api.NewServer(exec, projects, langs, api.Options{APIKey: cfg.APIKey}, log)
	if cfg.APIKey == "" {
		log.Warn().Msg("no API key configured, the API is open")
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer metricsSrv.Close()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener started")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Str("backend", runner.Backend()).Int("workers", cfg.PoolSize).Msg("starting server")

	go func() {
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error closing server")
	}
	if err := exec.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error stopping executor")
	}
}

// newRunner builds the configured sandbox backend.
func newRunner(ctx context.Context, cfg *config.Config, log zerolog.Logger) (sandbox.Runner, error) {
	switch cfg.Backend {
	case "docker":
		return sandbox.NewDockerRunner(cfg.ScratchDir, cfg.OutputLimitBytes, log)
	default:
		client, err := podman.NewClient(cfg.PodmanPath)
		if err != nil {
			return nil, err
		}
		version, err := client.Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("podman not responding: %w", err)
		}
		log.Info().Str("version", version).Msg("using podman")

		runner := sandbox.NewPodmanRunner(client, cfg.ScratchDir, cfg.OutputLimitBytes, log)
		if n, err := runner.RemoveOrphans(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to remove orphaned sandboxes")
		} else if n > 0 {
			log.Info().Int("containers", n).Msg("removed orphaned sandboxes")
		}
		return runner, nil
	}
}
