package invalidation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/redirects/internal/logger"
)

const (
	redisReceiveTimeout = 30 * time.Second
	redisRetryDelay     = time.Second
)

// RedisBus broadcasts over Redis PUBLISH/SUBSCRIBE
type RedisBus struct {
	client     redis.UniversalClient
	ownsClient bool
	channel    string
	source     string

	subs   []*redis.PubSub
	closed bool
	done   chan struct{}
	mu     sync.Mutex
}

// NewRedisBus connects to redisURL and verifies the connection
func NewRedisBus(ctx context.Context, redisURL, channel string) (*RedisBus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := NewRedisBusWithClient(rdb, channel)
	b.ownsClient = true
	return b, nil
}

// NewRedisBusWithClient uses an existing client; Close leaves it open
func NewRedisBusWithClient(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		source:  uuid.NewString(),
		done:    make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := Encode(stamp(msg, b.source))
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		publishErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}

	messagesPublished.WithLabelValues("redis", string(msg.Type)).Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel)

	// The first reply confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	go b.receive(ctx, ps, h)
	return nil
}

func (b *RedisBus) receive(ctx context.Context, ps *redis.PubSub, h Handler) {
	defer ps.Close()

	for {
		raw, err := ps.ReceiveTimeout(ctx, redisReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil || b.isClosed() {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Idle; a ping surfaces dead connections
				_ = ps.Ping(ctx)
				continue
			}

			logger.Warn("invalidation receive failed", "backend", "redis", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-time.After(redisRetryDelay):
			}
			continue
		}

		switch m := raw.(type) {
		case *redis.Subscription:
			// go-redis re-subscribes after reconnecting
			if m.Kind == "subscribe" {
				resync(ctx, "redis", h)
			}
		case *redis.Message:
			deliverDecoded(ctx, "redis", []byte(m.Payload), h)
		case *redis.Pong:
		}
	}
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil

	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
