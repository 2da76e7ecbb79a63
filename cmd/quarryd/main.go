/*
 * Copyright 2025 Quarry Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/quarrylabs/quarry/ai"
	aimock "github.com/quarrylabs/quarry/ai/mock"
	aiopenai "github.com/quarrylabs/quarry/ai/openai"
	"github.com/quarrylabs/quarry/audit"
	"github.com/quarrylabs/quarry/autolink"
	"github.com/quarrylabs/quarry/chunk"
	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/digest"
	"github.com/quarrylabs/quarry/embed"
	"github.com/quarrylabs/quarry/enrich"
	"github.com/quarrylabs/quarry/gate"
	"github.com/quarrylabs/quarry/health"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/queue/badgerq"
	"github.com/quarrylabs/quarry/queue/redisq"
	"github.com/quarrylabs/quarry/risk"
	"github.com/quarrylabs/quarry/storage/badger"
	"github.com/quarrylabs/quarry/storage/blob"
	"github.com/quarrylabs/quarry/worker"
)

func main() {
	app := &cli.App{
		Name:   "quarryd",
		Usage:  "Asynchronous document and entity processing pipeline",
		Before: setupLogger,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the pipeline workers, digest scheduler, and health server",
				Action: runCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to TOML configuration file",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := badger.OpenBackend(cfg.DataDir, false)
	if err != nil {
		return fmt.Errorf("opening data store: %w", err)
	}
	defer backend.Close()

	shards, err := badger.NewShardRepository(backend)
	if err != nil {
		return fmt.Errorf("creating shard repository: %w", err)
	}
	defer shards.Close()

	digests, err := badger.NewDigestRepository(backend)
	if err != nil {
		return fmt.Errorf("creating digest repository: %w", err)
	}
	defer digests.Close()

	objects, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	broker, err := openBroker(ctx, cfg, backend)
	if err != nil {
		return err
	}
	defer broker.Close()

	provider, err := openProvider(cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	sink := audit.MultiSink{audit.NewLogSink(nil), audit.NewStoreSink(shards)}

	var scanner gate.Scanner
	if cfg.Gate.ScannerURL != "" {
		scanner = gate.NewHTTPScanner(cfg.Gate.ScannerURL, cfg.Gate.ScanTimeout.Std())
	} else {
		slog.Warn("no scanner configured, admitting unscanned uploads")
		scanner = gate.NoopScanner{}
	}

	gateWorker := gate.New(shards, objects, scanner, broker,
		gate.WithMaxSizeBytes(cfg.Gate.MaxSizeBytes),
		gate.WithScanAttempts(cfg.Gate.ScanAttempts),
		gate.WithAuditSink(sink))
	chunker := chunk.New(shards, objects, broker,
		chunk.WithChunkSizes(cfg.Chunk.TargetSize, cfg.Chunk.MaxSize))
	embedder := embed.New(shards, provider.Embedder())
	enricher := enrich.New(shards, provider.EntityExtractor(), enrich.WithAuditSink(sink))
	projectLinker := autolink.NewProjectLinker(shards, broker, autolink.WithAuditSink(sink))
	oppLinker := autolink.NewOpportunityLinker(shards, broker, autolink.WithAuditSink(sink))
	evaluator := risk.New(shards, nil)

	metrics := worker.NewMetricsMonitor(jobs.AllQueues())
	monitor := worker.MultiMonitor{worker.NewLogMonitor(nil), metrics}

	var group worker.Group
	stages := []struct {
		queue       string
		concurrency int
		handler     worker.HandlerFunc
	}{
		{jobs.QueueGate, cfg.Workers.Gate, gateWorker.Handle},
		{jobs.QueueChunk, cfg.Workers.Chunk, chunker.Handle},
		{jobs.QueueEmbed, cfg.Workers.Embed, embedder.Handle},
		{jobs.QueueEnrich, cfg.Workers.Enrich, enricher.Handle},
		{jobs.QueueLinkProject, cfg.Workers.Autolink, projectLinker.Handle},
		{jobs.QueueLinkOpportunity, cfg.Workers.Autolink, oppLinker.Handle},
		{jobs.QueueRisk, cfg.Workers.Risk, evaluator.Handle},
	}
	for _, stage := range stages {
		runner, err := worker.NewRunner(broker, stage.queue, stage.concurrency, stage.handler,
			worker.WithMonitor(monitor))
		if err != nil {
			return fmt.Errorf("creating %s worker: %w", stage.queue, err)
		}
		group.Add(runner)
	}

	scheduler := digest.New(digests, nil,
		digest.WithInterval(cfg.Digest.Interval.Std()),
		digest.WithBatchSize(cfg.Digest.BatchSize))

	healthOpts := []health.Option{health.WithMetricsMonitor(metrics)}
	if counter, ok := provider.EntityExtractor().(ai.ParseFailureCounter); ok {
		healthOpts = append(healthOpts, health.WithParseFailureCounter(counter))
	}
	healthSrv := health.New(cfg.Health.Addr, broker, shards, healthOpts...)

	group.Start(ctx)
	go scheduler.Run(ctx)
	go func() {
		if err := healthSrv.Start(); err != nil {
			slog.Error("health server failed", "err", err)
		}
	}()

	slog.Info("pipeline running", "queues", len(stages), "broker", cfg.Queue.Backend)
	<-ctx.Done()
	slog.Info("shutting down, draining in-flight jobs")

	group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping health server", "err", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func openBroker(ctx context.Context, cfg *config.Config, backend *badger.Backend) (queue.Broker, error) {
	switch cfg.Queue.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Queue.RedisAddr,
			DB:   cfg.Queue.RedisDB,
		})
		broker, err := redisq.New(ctx, rdb, jobs.AllQueues(),
			redisq.WithLeaseTimeout(cfg.Queue.LeaseTimeout.Std()),
			redisq.WithRetryBase(cfg.Queue.RetryBase.Std()),
			redisq.WithMaxAttempts(cfg.Queue.MaxAttempts))
		if err != nil {
			return nil, fmt.Errorf("connecting redis broker: %w", err)
		}
		return broker, nil
	default:
		broker, err := badgerq.New(backend, jobs.AllQueues(),
			badgerq.WithLeaseTimeout(cfg.Queue.LeaseTimeout.Std()),
			badgerq.WithRetryBase(cfg.Queue.RetryBase.Std()),
			badgerq.WithMaxAttempts(cfg.Queue.MaxAttempts))
		if err != nil {
			return nil, fmt.Errorf("creating embedded broker: %w", err)
		}
		return broker, nil
	}
}

func openProvider(cfg *config.Config) (ai.Provider, error) {
	if cfg.AI.Provider == "mock" {
		return aimock.NewMockProvider(), nil
	}

	aiConfig := ai.NewConfig(
		ai.WithEmbeddingHost(cfg.AI.EmbeddingHost),
		ai.WithExtractorHost(cfg.AI.ExtractorHost),
		ai.WithEmbeddingModel(cfg.AI.EmbeddingModel),
		ai.WithExtractorModel(cfg.AI.ExtractorModel),
		ai.WithMinConfidence(cfg.AI.MinConfidence),
		ai.WithRequestsPerSecond(cfg.AI.RequestsPerSecond),
	)
	if err := aiConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid AI configuration: %w", err)
	}
	provider, err := aiopenai.NewProvider(aiConfig)
	if err != nil {
		return nil, fmt.Errorf("creating AI provider: %w", err)
	}
	return provider, nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
