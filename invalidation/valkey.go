package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	"github.com/liamcoop/redirects/internal/logger"
)

const valkeyRetryDelay = time.Second

// ValkeyOptions configures the Valkey connection
type ValkeyOptions struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// ValkeyBus broadcasts over Valkey PUBLISH/SUBSCRIBE. The wire format is
// shared with RedisBus, so the two can be mixed on one channel.
type ValkeyBus struct {
	client  valkey.Client
	channel string
	source  string

	cancels []context.CancelFunc
	closed  bool
	mu      sync.Mutex
}

// NewValkeyBus connects to the configured Valkey server and pings it
func NewValkeyBus(ctx context.Context, opts ValkeyOptions) (*ValkeyBus, error) {
	clientOpts := valkey.ClientOption{
		InitAddress: []string{opts.Address},
	}
	if opts.Password != "" {
		clientOpts.Password = opts.Password
	}
	if opts.DB != 0 {
		clientOpts.SelectDB = opts.DB
	}

	client, err := valkey.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	return &ValkeyBus{
		client:  client,
		channel: channel,
		source:  uuid.NewString(),
	}, nil
}

func (b *ValkeyBus) Publish(ctx context.Context, msg Message) error {
	payload, err := Encode(stamp(msg, b.source))
	if err != nil {
		return err
	}

	cmd := b.client.B().Publish().Channel(b.channel).Message(string(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		publishErrors.WithLabelValues("valkey").Inc()
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}

	messagesPublished.WithLabelValues("valkey", string(msg.Type)).Inc()
	return nil
}

// Subscribe starts a receive loop. Unlike the other backends the
// subscription is established asynchronously, shortly after return.
func (b *ValkeyBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)

	go b.receive(ctx, h)
	return nil
}

func (b *ValkeyBus) receive(ctx context.Context, h Handler) {
	first := true
	for {
		err := b.listen(ctx, h, !first)
		first = false
		if ctx.Err() != nil {
			return
		}

		logger.Warn("invalidation subscription dropped", "backend", "valkey", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(valkeyRetryDelay):
		}
	}
}

// listen holds one subscription on a dedicated connection until ctx ends or
// the connection breaks. With resubscribed set, the handler is resynced after
// the server confirms the subscription.
func (b *ValkeyBus) listen(ctx context.Context, h Handler, resubscribed bool) error {
	conn, release := b.client.Dedicate()
	defer release()

	done := conn.SetPubSubHooks(valkey.PubSubHooks{
		OnMessage: func(m valkey.PubSubMessage) {
			deliverDecoded(ctx, "valkey", []byte(m.Message), h)
		},
		OnSubscription: func(s valkey.PubSubSubscription) {
			if resubscribed && s.Kind == "subscribe" && s.Channel == b.channel {
				resync(ctx, "valkey", h)
			}
		},
	})

	if err := conn.Do(ctx, conn.B().Subscribe().Channel(b.channel).Build()).Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (b *ValkeyBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.client.Close()
	return nil
}
