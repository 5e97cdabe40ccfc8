/**
 * Asynq Queue Consumer for the annotation converter
 *
 * Consumes "convert-archive" tasks through asynq and runs them with the job
 * processor. Enqueue submits tasks to the same queue.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/processor"
)

// Consumer handles job consumption from Redis queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.JobProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.JobProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
	MaxRetry          int   // default 3
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("queue")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger: &asynqLogger{logger: logger},
		},
	)

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	consumer.mux.HandleFunc(TaskConvertArchive, consumer.handleConvertArchive)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Printf("Starting asynq consumer (concurrency=%d, queue=%s)...", c.config.Concurrency, c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Printf("Stopping queue consumer...")
	c.server.Shutdown()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	c.logger.Printf("Queue consumer stopped")
	return nil
}

// NewConvertTask builds the asynq task for job.
func NewConvertTask(job *JobPayload) (*asynq.Task, error) {
	if job.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskConvertArchive, payload), nil
}

// Enqueue submits a conversion job. The job ID doubles as the task ID so a
// job cannot be queued twice.
func (c *Consumer) Enqueue(ctx context.Context, job *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewConvertTask(job)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.config.QueueName),
		asynq.TaskID(job.JobID),
		asynq.MaxRetry(c.config.MaxRetry),
		// Longer than the processor timeout, which reports PROCESSING_TIMEOUT.
		asynq.Timeout(timeout+30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return info, nil
}

func (c *Consumer) handleConvertArchive(ctx context.Context, task *asynq.Task) error {
	var job JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		// A malformed payload never succeeds on retry.
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if job.JobID == "" {
		return fmt.Errorf("job without jobId: %w", asynq.SkipRetry)
	}

	c.logger.Printf("[Job %s] Converting: format=%s archive=%s dataset=%s",
		job.JobID, job.Format, firstNonEmpty(job.ArchivePath, job.ArchiveURL, job.ArchiveName), job.DatasetID)

	timeout := time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	if _, err := runJob(ctx, c.processor, &job, timeout, c.logger); err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"mode":        "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// asynqLogger adapts logging.Logger to asynq.Logger.
type asynqLogger struct {
	logger *logging.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
