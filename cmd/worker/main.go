/**
 * Annotation Converter Worker - Main Entry Point
 *
 * Go worker that converts annotation exports (platform archives, live
 * datasets and COCO imports) into COCO or standard json documents.
 *
 * Architecture:
 * - Redis list queue (TypeScript RedisQueue compatible) or asynq task queue
 * - Conversion pipeline: archive reader, shape normalizer, category resolver,
 *   id allocator, schema emitter
 * - PostgreSQL run history and job status
 * - Qdrant geometry index of emitted bounding boxes (optional)
 * - FileProcess artifact upload of emitted documents (optional)
 * - fasthttp health, stats and run history endpoints
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/annotation-converter/internal/clients"
	"github.com/adverant/nexus/annotation-converter/internal/config"
	"github.com/adverant/nexus/annotation-converter/internal/health"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/processor"
	"github.com/adverant/nexus/annotation-converter/internal/queue"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

var version = "0.1.0"

// consumer is the part of both queue consumers main needs.
type consumer interface {
	stop() error
	stats() (map[string]interface{}, error)
}

type listConsumer struct{ *queue.RedisConsumer }

func (c listConsumer) stop() error { return c.Stop() }

func (c listConsumer) stats() (map[string]interface{}, error) {
	s, err := c.GetStats()
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"mode": "list"}
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

type asynqConsumer struct{ *queue.Consumer }

func (c asynqConsumer) stop() error { return c.Stop(context.Background()) }

func (c asynqConsumer) stats() (map[string]interface{}, error) {
	return c.GetStatistics(), nil
}

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.nexus"); err != nil {
		log.Printf("Warning: .env.nexus not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.NewLoggerWithWriter("worker", os.Stderr, logging.ParseLevel(cfg.LogLevel))

	log.Printf("Annotation Converter Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Queue=%s (%s), Qdrant=%s (enabled=%t), Workers=%d",
		cfg.RedisURL, cfg.QueueName, cfg.QueueMode, cfg.QdrantURL, cfg.EnableGeometryIndex, cfg.WorkerConcurrency)

	// Base conversion options
	opts, err := config.LoadOptions(cfg.OptionsPath, "")
	if err != nil {
		log.Fatalf("Failed to load conversion options: %v", err)
	}

	// Initialize storage manager (PostgreSQL or SQLite + optional Qdrant)
	log.Printf("Connecting to storage...")
	storageManager, err := storage.NewStorageManager(cfg, logger.With("component", "storage"))
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	log.Printf("Storage manager initialized")

	// Platform and artifact clients
	platform := clients.NewPlatformClient(cfg.PlatformURL, cfg.PlatformToken, logger.With("component", "platform"))
	var artifacts *clients.ArtifactClient
	if cfg.EnableArtifactUpload {
		artifacts = clients.NewArtifactClient(cfg.FileProcessAPIURL, logger.With("component", "artifacts"))
		log.Printf("Artifact upload enabled (%s)", cfg.FileProcessAPIURL)
	}

	// Initialize job processor
	proc, err := processor.NewJobProcessor(&processor.ProcessorConfig{
		TempDir:     cfg.TempDir,
		MaxFileSize: cfg.MaxFileSize,
		Options:     opts,
		Store:       storageManager,
		Platform:    platform,
		Artifacts:   artifacts,
		Logger:      logger.With("component", "processor"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize job processor: %v", err)
	}
	log.Printf("Job processor initialized (default format=%s)", opts.Format)

	// Initialize queue consumer
	log.Printf("Connecting to Redis queue...")
	var qc consumer
	switch cfg.QueueMode {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logger.With("component", "queue"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := c.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		qc = asynqConsumer{c}
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logger.With("component", "queue"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := c.Start(); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		qc = listConsumer{c}
	}
	log.Printf("Queue consumer started successfully")

	// Health endpoint
	healthServer := health.NewServer(storageManager, qc.stats, version, logger.With("component", "health"))
	go func() {
		if err := healthServer.ListenAndServe(cfg.HealthAddr); err != nil {
			log.Printf("Health server stopped: %v", err)
		}
	}()

	// Print startup summary
	log.Printf("===========================================")
	log.Printf("Annotation Converter Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueMode)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("Formats: %v", config.Formats)
	log.Printf("Health: %s", cfg.HealthAddr)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if err := qc.stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	if err := healthServer.Shutdown(); err != nil {
		log.Printf("Error stopping health server: %v", err)
	}

	log.Printf("Closing storage manager...")
	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	} else {
		log.Printf("Storage manager closed")
	}

	log.Printf("Shutdown complete")
}
