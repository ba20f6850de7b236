package invalidation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/liamcoop/redirects/internal/logger"
)

const (
	pgMinReconnect  = 10 * time.Second
	pgMaxReconnect  = time.Minute
	pgPingInterval  = 90 * time.Second
	pgPayloadMaxLen = 8000
)

// PostgresBus broadcasts through PostgreSQL LISTEN/NOTIFY, so a deployment
// that already shares a database needs no extra infrastructure.
type PostgresBus struct {
	db          *sql.DB
	databaseURL string
	channel     string
	source      string

	listeners []*pq.Listener
	closed    bool
	done      chan struct{}
	mu        sync.Mutex
}

// NewPostgresBus publishes with db and opens a dedicated listener
// connection to databaseURL for every subscription
func NewPostgresBus(db *sql.DB, databaseURL, channel string) *PostgresBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresBus{
		db:          db,
		databaseURL: databaseURL,
		channel:     channel,
		source:      uuid.NewString(),
		done:        make(chan struct{}),
	}
}

func (b *PostgresBus) Publish(ctx context.Context, msg Message) error {
	payload, err := Encode(stamp(msg, b.source))
	if err != nil {
		return err
	}
	if len(payload) > pgPayloadMaxLen {
		return fmt.Errorf("%w: payload of %d bytes exceeds NOTIFY limit", ErrInvalidMessage, len(payload))
	}

	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload)); err != nil {
		publishErrors.WithLabelValues("postgres").Inc()
		return fmt.Errorf("failed to notify %s: %w", b.channel, err)
	}

	messagesPublished.WithLabelValues("postgres", string(msg.Type)).Inc()
	return nil
}

func (b *PostgresBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	listener := pq.NewListener(b.databaseURL, pgMinReconnect, pgMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn("invalidation listener disconnected", "backend", "postgres", "error", err)
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("invalidation listener connection attempt failed", "backend", "postgres", "error", err)
		}
	})

	if err := listener.Listen(b.channel); err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()

	go b.receive(ctx, listener, h)
	return nil
}

func (b *PostgresBus) receive(ctx context.Context, listener *pq.Listener, h Handler) {
	ticker := time.NewTicker(pgPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.dropListener(listener)
			return
		case <-b.done:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			// pq sends nil after re-establishing the connection
			if n == nil {
				resync(ctx, "postgres", h)
				continue
			}
			deliverDecoded(ctx, "postgres", []byte(n.Extra), h)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					logger.Debug("invalidation listener ping failed", "backend", "postgres", "error", err)
				}
			}()
		}
	}
}

func (b *PostgresBus) dropListener(listener *pq.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l == listener {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			listener.Close()
			return
		}
	}
}

func (b *PostgresBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	var firstErr error
	for _, l := range b.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.listeners = nil
	return firstErr
}
