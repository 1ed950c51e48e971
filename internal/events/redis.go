package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"batchfetch/internal/metrics"
)

// RedisPublisher publishes events on a pub/sub channel
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	metrics *metrics.Metrics
}

// NewRedisPublisher creates a pub/sub sink. The caller owns client.
func NewRedisPublisher(client redis.UniversalClient, channel string, m *metrics.Metrics) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, metrics: m}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.metrics.EventsPublished.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("redis publish error: %w", err)
	}
	p.metrics.EventsPublished.WithLabelValues("redis", "success").Inc()
	return nil
}
