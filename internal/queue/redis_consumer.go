/**
 * Direct Redis Queue Consumer for the annotation converter
 *
 * Compatible with the TypeScript RedisQueue used by the platform: job ids
 * are pushed onto a LIST, job bodies live in the "<queue>:data" hash and
 * status changes are mirrored in sets and published on "<queue>:events".
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/processor"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.JobProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.JobProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "converter:jobs"
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("queue")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, stop := context.WithCancel(context.Background())
	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
		ctx:       consumerCtx,
		cancel:    stop,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...", c.config.Concurrency, c.config.QueueName)
	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Printf("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// Enqueue stores job and pushes it onto the queue.
func (c *RedisConsumer) Enqueue(ctx context.Context, job *JobPayload, maxRetries int) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	data, err := json.Marshal(&RedisJobData{
		ID:         job.JobID,
		Type:       TaskConvertArchive,
		Payload:    *job,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.JobID, data)
	pipe.LPush(ctx, c.config.QueueName, job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return nil
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !stderrors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Error("Worker error", "worker", id, "error", err)
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	id := result[1]

	raw, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.publishStatus(id, storage.JobStatusFailed, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.publishStatus(job.Payload.JobID, storage.JobStatusProcessing, nil)

	timeout := time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	outcome, err := runJob(c.ctx, c.processor, &job.Payload, timeout, c.logger)
	if err == nil {
		c.publishStatus(job.Payload.JobID, storage.JobStatusCompleted, outcome)
		return nil
	}

	job.Attempts++
	if job.Attempts < job.MaxRetries && c.ctx.Err() == nil {
		updated, _ := json.Marshal(job)
		c.client.HSet(c.ctx, c.key("data"), job.ID, updated)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		c.logger.Printf("Job %s re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)
		return nil
	}
	outcome["attempts"] = job.Attempts
	c.publishStatus(job.Payload.JobID, storage.JobStatusFailed, outcome)
	return nil
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// publishStatus mirrors a status change in the queue's Redis sets and
// publishes it for WebSocket streaming.
func (c *RedisConsumer) publishStatus(jobID string, status string, result map[string]interface{}) {
	ctx := context.Background()
	switch status {
	case storage.JobStatusProcessing:
		c.client.SAdd(ctx, c.key("processing"), jobID)
	case storage.JobStatusCompleted:
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("completed"), jobID)
		if result != nil {
			data, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("results"), jobID, data)
		}
	case storage.JobStatusFailed:
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("failed"), jobID)
		if result != nil {
			data, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("errors"), jobID, data)
		}
	}

	eventData, _ := json.Marshal(statusEvent(jobID, status, result, time.Now()))
	c.client.Publish(ctx, c.key("events"), eventData)
}

func statusEvent(jobID, status string, result map[string]interface{}, at time.Time) map[string]interface{} {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.UTC().Format(time.RFC3339),
	}
	if runID, ok := result["runId"]; ok {
		event["runId"] = runID
	}
	return event
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats() (map[string]int64, error) {
	ctx := context.Background()

	waiting, err := c.client.LLen(ctx, c.config.QueueName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}
