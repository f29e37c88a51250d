package reclassify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	queueKey = "reclassify_jobs"
)

// Job - задача повторной классификации объявления, у которого есть изображение, но нет категории
type Job struct {
	AlertID    uuid.UUID `json:"alert_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue - очередь задач. Pop возвращает nil, nil, если за timeout ничего не пришло.
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// RedisQueue - очередь на списке Redis: LPUSH в голову, BRPOP из хвоста
type RedisQueue struct {
	redisClient *redis.Client
	key         string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		redisClient: client,
		key:         queueKey,
	}
}

func (q *RedisQueue) Push(ctx context.Context, payload []byte) error {
	if err := q.redisClient.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push reclassify job to Redis: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	// result[0] - ключ, result[1] - значение
	result, err := q.redisClient.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop reclassify job from Redis: %w", err)
	}
	return []byte(result[1]), nil
}

// Publisher ставит задачи в очередь
type Publisher struct {
	queue Queue
	now   func() time.Time
}

func NewPublisher(queue Queue) *Publisher {
	return &Publisher{queue: queue, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal reclassify job: %w", err)
	}
	return p.queue.Push(ctx, payload)
}
