package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"creator-job-engine/internal/models"
)

// RedisPublisher publishes job events over Redis pub/sub, one channel per
// user, so API nodes can fan events out to connected clients.
type RedisPublisher struct {
	client *redis.Client
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Channel returns the pub/sub channel name for a user's job events.
func Channel(userID string) string {
	return "jobs:user:" + userID
}

// Publish sends the event as JSON on the user's channel.
func (p *RedisPublisher) Publish(ctx context.Context, event models.JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(event.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}
