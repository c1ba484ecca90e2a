package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "aero-voice:participant:"

func redisChannel(participantID string) string {
	return redisChannelPrefix + participantID
}

// RedisBroker fans messages out over Redis pub/sub so participants connected
// to different relay instances can reach each other. Each participant has its
// own channel.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedisBroker connects to rawURL (redis:// or rediss://) and checks the
// connection with PING.
func NewRedisBroker(ctx context.Context, rawURL string, logger *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, participantID string, deliver func([]byte)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, redisChannel(participantID))
	// Wait for the subscription confirmation so a publish that follows
	// Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", participantID, err)
	}

	b.mu.Lock()
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			deliver([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, pubsub)
			b.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				b.logger.Debug("redis unsubscribe failed", "participant_id", participantID, "err", err)
			}
			<-done
		})
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, participantID string, payload []byte) (bool, error) {
	n, err := b.client.Publish(ctx, redisChannel(participantID), payload).Result()
	if err != nil {
		return false, fmt.Errorf("redis publish %s: %w", participantID, err)
	}
	return n > 0, nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for ps := range b.subs {
		subs = append(subs, ps)
	}
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	return b.client.Close()
}
