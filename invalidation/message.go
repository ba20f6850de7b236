// Package invalidation broadcasts rule cache invalidation messages between
// server processes and applies them to the local cache.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type identifies what a message asks the receiver to do
type Type string

const (
	// RefreshAll drops the whole cache; the next lookup rebuilds it
	RefreshAll Type = "RefreshAll"
	// RefreshByID re-fetches a single rule
	RefreshByID Type = "RefreshById"
	// RemoveByID drops a single rule
	RemoveByID Type = "RemoveById"
)

// RefKind tells which identifier a Ref carries
type RefKind string

const (
	RefNumeric  RefKind = "numeric"
	RefUniqueID RefKind = "uniqueId"
)

// ErrInvalidMessage is returned for messages that fail validation
var ErrInvalidMessage = errors.New("invalid invalidation message")

// Ref is a rule identifier tagged with its kind
type Ref struct {
	Kind     RefKind
	ID       int64
	UniqueID uuid.UUID
}

// NumericRef refers to a rule by its store-assigned id
func NumericRef(id int64) Ref {
	return Ref{Kind: RefNumeric, ID: id}
}

// UniqueRef refers to a rule by its unique id
func UniqueRef(id uuid.UUID) Ref {
	return Ref{Kind: RefUniqueID, UniqueID: id}
}

func (r Ref) String() string {
	switch r.Kind {
	case RefNumeric:
		return strconv.FormatInt(r.ID, 10)
	case RefUniqueID:
		return r.UniqueID.String()
	default:
		return "<invalid>"
	}
}

func (r Ref) Validate() error {
	switch r.Kind {
	case RefNumeric:
		if r.ID <= 0 {
			return fmt.Errorf("%w: numeric ref must be positive, got %d", ErrInvalidMessage, r.ID)
		}
	case RefUniqueID:
		if r.UniqueID == uuid.Nil {
			return fmt.Errorf("%w: unique ref cannot be nil", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown ref kind %q", ErrInvalidMessage, r.Kind)
	}
	return nil
}

type wireRef struct {
	Kind  RefKind         `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes numeric refs as a JSON number and unique refs as a string
func (r Ref) MarshalJSON() ([]byte, error) {
	var value any
	switch r.Kind {
	case RefNumeric:
		value = r.ID
	case RefUniqueID:
		value = r.UniqueID.String()
	default:
		return nil, fmt.Errorf("%w: unknown ref kind %q", ErrInvalidMessage, r.Kind)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRef{Kind: r.Kind, Value: raw})
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	var w wireRef
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.Kind {
	case RefNumeric:
		var id int64
		if err := json.Unmarshal(w.Value, &id); err != nil {
			return fmt.Errorf("%w: numeric ref value: %v", ErrInvalidMessage, err)
		}
		*r = NumericRef(id)
	case RefUniqueID:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("%w: unique ref value: %v", ErrInvalidMessage, err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("%w: unique ref value: %v", ErrInvalidMessage, err)
		}
		*r = UniqueRef(id)
	default:
		return fmt.Errorf("%w: unknown ref kind %q", ErrInvalidMessage, w.Kind)
	}
	return nil
}

// Message is the unit broadcast on the bus
type Message struct {
	Type   Type      `json:"type"`
	Ref    *Ref      `json:"ref,omitempty"`
	Source string    `json:"source,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// NewRefreshAll builds a RefreshAll message
func NewRefreshAll() Message {
	return Message{Type: RefreshAll, SentAt: time.Now().UTC()}
}

// NewRefresh builds a RefreshById message
func NewRefresh(ref Ref) Message {
	return Message{Type: RefreshByID, Ref: &ref, SentAt: time.Now().UTC()}
}

// NewRemove builds a RemoveById message
func NewRemove(ref Ref) Message {
	return Message{Type: RemoveByID, Ref: &ref, SentAt: time.Now().UTC()}
}

func (m Message) Validate() error {
	switch m.Type {
	case RefreshAll:
		return nil
	case RefreshByID, RemoveByID:
		if m.Ref == nil {
			return fmt.Errorf("%w: %s requires a ref", ErrInvalidMessage, m.Type)
		}
		return m.Ref.Validate()
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
}

// Encode validates and serializes a message for the wire
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a wire payload
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
