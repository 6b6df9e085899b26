package usagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue is the durable redis buffer between request handling and the
// database sink. Main queue is a list (LPUSH/RPOP), failed batches go to
// a delayed-retry sorted set, and records that exhaust retries land in a
// dead-letter list.
type Queue struct {
	client     *redis.Client
	logger     *zap.Logger
	name       string
	batchSize  int
	maxRetries int
	now        func() time.Time
}

type QueueConfig struct {
	Name       string
	BatchSize  int
	MaxRetries int
}

func NewQueue(client *redis.Client, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = "pgate:usage"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{
		client:     client,
		logger:     logger,
		name:       cfg.Name,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
	}
}

func (q *Queue) retryName() string      { return q.name + ":retry" }
func (q *Queue) deadLetterName() string { return q.name + ":dead_letter" }

func (q *Queue) Enqueue(ctx context.Context, records ...*Record) error {
	if len(records) == 0 {
		return nil
	}
	payloads := make([]interface{}, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal usage record: %w", err)
		}
		payloads = append(payloads, data)
	}
	if err := q.client.LPush(ctx, q.name, payloads...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue usage records: %w", err)
	}
	return nil
}

// DequeueBatch pops up to the configured batch size in FIFO order.
func (q *Queue) DequeueBatch(ctx context.Context) ([]*Record, error) {
	raw, err := q.client.RPopCount(ctx, q.name, q.batchSize).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue usage records: %w", err)
	}

	records := make([]*Record, 0, len(raw))
	for _, data := range raw {
		var r Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			q.logger.Error("dropping unparseable usage record", zap.Error(err), zap.String("data", data))
			continue
		}
		records = append(records, &r)
	}
	return records, nil
}

// EnqueueFailed schedules a record for delayed redelivery, or moves it to
// the dead-letter queue once retries are exhausted.
func (q *Queue) EnqueueFailed(ctx context.Context, record *Record, cause error) error {
	record.Retries++
	if record.Retries >= q.maxRetries {
		return q.moveToDeadLetter(ctx, record, cause)
	}

	delay := time.Duration(record.Retries*record.Retries) * 10 * time.Second
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal retry record: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.retryName(), redis.Z{
		Score:  float64(q.now().Add(delay).Unix()),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	q.logger.Warn("usage record scheduled for retry",
		zap.String("request_id", record.RequestID),
		zap.Int("retry", record.Retries),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return nil
}

// ProcessRetries moves due retry records back onto the main queue.
func (q *Queue) ProcessRetries(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.retryName(), &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", q.now().Unix()),
		Count: int64(q.batchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read retry queue: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	pipe := q.client.Pipeline()
	for _, data := range due {
		pipe.LPush(ctx, q.name, data)
		pipe.ZRem(ctx, q.retryName(), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue retry records: %w", err)
	}
	return nil
}

func (q *Queue) moveToDeadLetter(ctx context.Context, record *Record, cause error) error {
	entry := map[string]interface{}{
		"record":    record,
		"error":     cause.Error(),
		"failed_at": time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}
	if err := q.client.LPush(ctx, q.deadLetterName(), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue dead letter entry: %w", err)
	}
	q.logger.Error("usage record moved to dead letter queue",
		zap.String("request_id", record.RequestID),
		zap.Int("retries", record.Retries),
		zap.Error(cause))
	return nil
}

// Stats reports pending counts across the three sub-queues.
type Stats struct {
	Main       int64 `json:"main"`
	Retry      int64 `json:"retry"`
	DeadLetter int64 `json:"dead_letter"`
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	mainCmd := pipe.LLen(ctx, q.name)
	retryCmd := pipe.ZCard(ctx, q.retryName())
	deadCmd := pipe.LLen(ctx, q.deadLetterName())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &Stats{
		Main:       mainCmd.Val(),
		Retry:      retryCmd.Val(),
		DeadLetter: deadCmd.Val(),
	}, nil
}
