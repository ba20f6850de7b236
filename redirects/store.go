package redirects

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RuleStore manages rule persistence and retrieval.
// Lookups of absent rules return ErrNotFound.
type RuleStore interface {
	// GetAll returns every rule, ordered by id
	GetAll(ctx context.Context) ([]*Rule, error)

	// GetByID retrieves a rule by its numeric id
	GetByID(ctx context.Context, id int64) (*Rule, error)

	// GetByUniqueID retrieves a rule by its globally unique id
	GetByUniqueID(ctx context.Context, uniqueID uuid.UUID) (*Rule, error)

	// GetByInbound retrieves the rule owning a normalized inbound triple
	GetByInbound(ctx context.Context, protocol Protocol, host string, port int) (*Rule, error)

	// Insert stores a new rule and assigns its ID
	Insert(ctx context.Context, rule *Rule) error

	// Update overwrites an existing rule
	Update(ctx context.Context, rule *Rule) error

	// Delete removes a rule
	Delete(ctx context.Context, rule *Rule) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Safe for concurrent use.
type InMemoryRuleStore struct {
	rules  map[int64]*Rule
	nextID int64
	mu     sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:  make(map[int64]*Rule),
		nextID: 1,
	}
}

func (s *InMemoryRuleStore) GetAll(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		all = append(all, rule.clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *InMemoryRuleStore) GetByID(ctx context.Context, id int64) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return rule.clone(), nil
}

func (s *InMemoryRuleStore) GetByUniqueID(ctx context.Context, uniqueID uuid.UUID) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.rules {
		if rule.UniqueID == uniqueID {
			return rule.clone(), nil
		}
	}
	return nil, fmt.Errorf("rule %s: %w", uniqueID, ErrNotFound)
}

func (s *InMemoryRuleStore) GetByInbound(ctx context.Context, protocol Protocol, host string, port int) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := Key(protocol, host, port)
	for _, rule := range s.rules {
		if rule.Key() == key {
			return rule.clone(), nil
		}
	}
	return nil, fmt.Errorf("rule for %s: %w", key, ErrNotFound)
}

// Insert adds a new rule. Like the database constraint, it refuses a
// second rule for the same inbound triple.
func (s *InMemoryRuleStore) Insert(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInboundLocked(rule); err != nil {
		return err
	}

	rule.ID = s.nextID
	s.nextID++
	s.rules[rule.ID] = rule.clone()
	return nil
}

func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %d: %w", rule.ID, ErrNotFound)
	}
	if err := s.checkInboundLocked(rule); err != nil {
		return err
	}

	// Identity and creation time are owned by the store
	updated := rule.clone()
	updated.UniqueID = existing.UniqueID
	updated.Created = existing.Created
	s.rules[rule.ID] = updated
	return nil
}

func (s *InMemoryRuleStore) Delete(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; !exists {
		return fmt.Errorf("rule %d: %w", rule.ID, ErrNotFound)
	}

	delete(s.rules, rule.ID)
	return nil
}

func (s *InMemoryRuleStore) checkInboundLocked(rule *Rule) error {
	key := rule.Key()
	for id, other := range s.rules {
		if id != rule.ID && other.Key() == key {
			return fmt.Errorf("%w: inbound %s already used by rule %d", ErrConflict, key, id)
		}
	}
	return nil
}
