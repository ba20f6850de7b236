package invalidation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/liamcoop/redirects/internal/logger"
)

// DefaultChannel is the pub/sub channel used when none is configured
const DefaultChannel = "redirect_rules_invalidation"

// Publisher sends a message to every subscribed process, including the sender
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler receives decoded messages
type Handler func(ctx context.Context, msg Message)

// Bus is a broadcast channel for invalidation messages.
// Delivery is at-least-once with no ordering across publishers.
type Bus interface {
	Publisher

	// Subscribe registers h and returns once the subscription is live.
	// Delivery stops when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error

	Close() error
}

// Target is the cache a message is applied to
type Target interface {
	Invalidate()
	UpsertByID(ctx context.Context, id int64) error
	UpsertByUniqueID(ctx context.Context, id uuid.UUID) error
	RemoveByID(id int64)
	RemoveByUniqueID(id uuid.UUID)
}

// Apply performs the cache operation a message asks for
func Apply(ctx context.Context, t Target, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	switch msg.Type {
	case RefreshAll:
		t.Invalidate()
		return nil

	case RefreshByID:
		switch msg.Ref.Kind {
		case RefNumeric:
			return t.UpsertByID(ctx, msg.Ref.ID)
		case RefUniqueID:
			return t.UpsertByUniqueID(ctx, msg.Ref.UniqueID)
		}

	case RemoveByID:
		switch msg.Ref.Kind {
		case RefNumeric:
			t.RemoveByID(msg.Ref.ID)
			return nil
		case RefUniqueID:
			t.RemoveByUniqueID(msg.Ref.UniqueID)
			return nil
		}
	}

	return fmt.Errorf("%w: unhandled %s", ErrInvalidMessage, msg.Type)
}

// Listen subscribes t to bus. Apply failures are logged and counted; the
// subscription keeps running.
func Listen(ctx context.Context, bus Bus, t Target) error {
	return bus.Subscribe(ctx, func(ctx context.Context, msg Message) {
		messagesReceived.WithLabelValues(string(msg.Type)).Inc()

		logger.Debug("invalidation received",
			"type", msg.Type,
			"ref", refString(msg.Ref),
			"source", msg.Source,
		)

		if err := Apply(ctx, t, msg); err != nil {
			applyErrors.WithLabelValues(string(msg.Type)).Inc()
			logger.Error("failed to apply invalidation",
				"type", msg.Type,
				"ref", refString(msg.Ref),
				"source", msg.Source,
				"error", err,
			)
		}
	})
}

func refString(r *Ref) string {
	if r == nil {
		return ""
	}
	return r.String()
}

// stamp fills the sender identity before a message goes on the wire
func stamp(msg Message, source string) Message {
	if msg.Source == "" {
		msg.Source = source
	}
	return msg
}

// deliverDecoded parses a wire payload and hands it to h. Undecodable
// payloads are dropped.
func deliverDecoded(ctx context.Context, backend string, payload []byte, h Handler) {
	msg, err := Decode(payload)
	if err != nil {
		decodeErrors.WithLabelValues(backend).Inc()
		logger.Warn("dropping invalidation payload", "backend", backend, "error", err)
		return
	}
	h(ctx, msg)
}

// resync is delivered after a subscription reconnects, since messages sent
// while disconnected are lost
func resync(ctx context.Context, backend string, h Handler) {
	reconnects.WithLabelValues(backend).Inc()
	logger.Warn("invalidation subscription reconnected, refreshing all rules", "backend", backend)
	msg := NewRefreshAll()
	msg.Source = backend + "-reconnect"
	h(ctx, msg)
}
