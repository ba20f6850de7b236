package invalidation

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("invalidation bus closed")

type memorySub struct {
	ctx context.Context
	h   Handler
}

// MemoryBus fans messages out to handlers in the same process. Delivery is
// synchronous: Publish returns after every live handler has run.
type MemoryBus struct {
	source string
	subs   map[int]memorySub
	nextID int
	closed bool
	done   chan struct{}
	mu     sync.RWMutex
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		source: uuid.NewString(),
		subs:   make(map[int]memorySub),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg = stamp(msg, b.source)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	messagesPublished.WithLabelValues("memory", string(msg.Type)).Inc()

	for _, s := range subs {
		if s.ctx.Err() != nil {
			continue
		}
		s.h(s.ctx, msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = memorySub{ctx: ctx, h: h}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.subs = make(map[int]memorySub)
	return nil
}
