package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evmingest/internal/application"
	"evmingest/internal/config"
	"evmingest/internal/infrastructure/ethrpc"
	"evmingest/internal/infrastructure/kafka"
	"evmingest/internal/infrastructure/logging"
	"evmingest/internal/infrastructure/rediscache"
	"evmingest/internal/infrastructure/storage"
	"evmingest/internal/infrastructure/telemetry"
	"evmingest/internal/interfaces/httpapi"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Ingest blocks from RPC_URL until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	rotating, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		slog.Error("logger init error", "err", err)
	}
	if rotating != nil {
		defer rotating.Close()
		go reopenOnHangup(ctx, rotating)
	}

	shutdownTracing, err := telemetry.InitTracer(ctx, "evmingest", version, cfg.OtelEndpoint)
	if err != nil {
		slog.Warn("tracing init error", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown error", "err", err)
			}
		}()
	}

	backend, err := storage.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var publisher storage.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			_ = backend.Close()
			return fmt.Errorf("kafka: %w", err)
		}
		defer producer.Close()
		publisher = producer
	}

	repo, err := storage.NewRepository(backend, publisher)
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer repo.Close()

	checkpoints, err := rediscache.NewCheckpointStore(repo, rediscache.Config{Addr: cfg.RedisAddr})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer checkpoints.Close()

	rpcClient, err := ethrpc.NewClient(ctx, ethrpc.Config{URL: cfg.RPCURL})
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	defer rpcClient.Close()

	metrics := httpapi.NewMetrics()
	feed, err := application.NewChainFeed(rpcClient, metrics, application.FeedConfig{
		PollInterval: cfg.PollInterval,
		BufferSize:   cfg.BlockBuffer,
	})
	if err != nil {
		return err
	}

	ingester, err := application.NewIngester(feed, checkpoints, repo, metrics, application.IngesterConfig{
		CheckpointKey:          cfg.CheckpointKey,
		BatchSize:              cfg.BatchSize,
		WriteAttempts:          cfg.WriteAttempts,
		Lookback:               cfg.StartLookback,
		Resubscribe:            cfg.Resubscribe,
		ResubscribeMaxInterval: cfg.ResubscribeMaxInterval,
	})
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(cfg, repo, feed, ingester, metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		return err
	}
	server.WithMirror(checkpoints)

	httpCtx, stopHTTP := context.WithCancel(ctx)
	defer stopHTTP()
	go func() {
		if err := server.ListenAndServe(httpCtx, cfg.HTTPAddr); err != nil {
			slog.Error("http server error", "err", err)
		}
	}()

	slog.Info("ingestion started",
		"http", cfg.HTTPAddr,
		"checkpoint_key", cfg.CheckpointKey,
		"batch", cfg.BatchSize,
		"lookback", cfg.StartLookback,
		"kafka", len(cfg.KafkaBrokers) > 0,
		"redis", cfg.RedisAddr != "",
	)
	if err := ingester.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("ingestion stopped", "state", ingester.State(), "err", err)
		return err
	}
	slog.Info("ingestion stopped", "state", ingester.State())
	return nil
}

func reopenOnHangup(ctx context.Context, writer *logging.RotatingWriter) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			if err := writer.Reopen(); err != nil {
				slog.Error("log file reopen failed", "err", err)
			}
		}
	}
}
