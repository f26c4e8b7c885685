package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
)

// NewRedisClient connects to Redis using the cache settings.
func NewRedisClient(config domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisPublisher publishes history changes on a Redis channel so every
// server instance can refresh its history views.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	log     *logrus.Logger
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string, logger *logrus.Logger) *RedisPublisher {
	if channel == "" {
		channel = "stone:history"
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		log:     logger,
	}
}

// Notify publishes change as JSON.
func (p *RedisPublisher) Notify(ctx context.Context, change domain.HistoryChange) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding history change: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publishing history change: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the channel and hands every change to local.
// It returns once the subscription is confirmed; forwarding stops when ctx
// is done.
func (p *RedisPublisher) StartForwarder(ctx context.Context, local domain.HistoryNotifier) error {
	if local == nil {
		return fmt.Errorf("local notifier required")
	}

	sub := p.rdb.Subscribe(ctx, p.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var change domain.HistoryChange
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					p.log.WithError(err).Warn("Bad history change payload on Redis")
					continue
				}
				if err := local.Notify(ctx, change); err != nil {
					p.log.WithFields(logrus.Fields{
						"patient_id": change.PatientID,
						"error":      err,
					}).Warn("Failed to deliver history change")
				}
			}
		}
	}()

	return nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
