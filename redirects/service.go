package redirects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/redirects/internal/logger"
	"github.com/liamcoop/redirects/invalidation"
)

// AddRuleInput describes a rule to create. Zero ports and status code take
// their defaults.
type AddRuleInput struct {
	InboundProtocol string `json:"inboundProtocol"`
	InboundHost     string `json:"inboundHost"`
	InboundPort     int    `json:"inboundPort,omitempty"`

	OutboundProtocol string `json:"outboundProtocol"`
	OutboundHost     string `json:"outboundHost"`
	OutboundPort     int    `json:"outboundPort,omitempty"`
	OutboundPath     string `json:"outboundPath,omitempty"`

	KeepPath   bool `json:"keepPath"`
	StatusCode int  `json:"statusCode,omitempty"`
}

// Service is the only mutation entry point for rules. Every write goes to
// the store, is applied to the local cache, then broadcast to other nodes.
type Service struct {
	store     RuleStore
	cache     invalidation.Target
	publisher invalidation.Publisher
	now       func() time.Time
}

// NewService wires a service. publisher may be nil for a single node.
func NewService(store RuleStore, cache invalidation.Target, publisher invalidation.Publisher) *Service {
	return &Service{
		store:     store,
		cache:     cache,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Add validates and stores a new rule
func (s *Service) Add(ctx context.Context, in AddRuleInput, actor string) (*Rule, error) {
	now := s.now()
	rule := &Rule{
		UniqueID:         uuid.New(),
		InboundProtocol:  Protocol(in.InboundProtocol),
		InboundHost:      in.InboundHost,
		InboundPort:      in.InboundPort,
		OutboundProtocol: Protocol(in.OutboundProtocol),
		OutboundHost:     in.OutboundHost,
		OutboundPort:     in.OutboundPort,
		OutboundPath:     in.OutboundPath,
		KeepPath:         in.KeepPath,
		StatusCode:       in.StatusCode,
		Created:          now,
		Updated:          now,
	}

	if err := normalizeRule(rule); err != nil {
		ruleMutations.WithLabelValues("add", "invalid").Inc()
		return nil, err
	}
	if err := s.checkInbound(ctx, rule); err != nil {
		ruleMutations.WithLabelValues("add", outcome(err)).Inc()
		return nil, err
	}
	if err := s.store.Insert(ctx, rule); err != nil {
		ruleMutations.WithLabelValues("add", outcome(err)).Inc()
		return nil, err
	}

	ruleMutations.WithLabelValues("add", "ok").Inc()
	logger.Info("rule added",
		"rule_id", rule.ID,
		"unique_id", rule.UniqueID,
		"key", rule.Key(),
		"actor", actor,
	)

	s.broadcast(ctx, invalidation.NewRefresh(invalidation.NumericRef(rule.ID)))
	return rule, nil
}

// Save overwrites an existing rule. rule is normalized in place and its
// Updated time refreshed.
func (s *Service) Save(ctx context.Context, rule *Rule, actor string) error {
	if rule == nil {
		return fmt.Errorf("%w: rule cannot be nil", ErrInvalidArgument)
	}
	if err := normalizeRule(rule); err != nil {
		ruleMutations.WithLabelValues("save", "invalid").Inc()
		return err
	}
	if err := s.checkInbound(ctx, rule); err != nil {
		ruleMutations.WithLabelValues("save", outcome(err)).Inc()
		return err
	}

	rule.Updated = s.now()
	if err := s.store.Update(ctx, rule); err != nil {
		ruleMutations.WithLabelValues("save", outcome(err)).Inc()
		return err
	}

	ruleMutations.WithLabelValues("save", "ok").Inc()
	logger.Info("rule saved", "rule_id", rule.ID, "key", rule.Key(), "actor", actor)

	s.broadcast(ctx, invalidation.NewRefresh(invalidation.NumericRef(rule.ID)))
	return nil
}

// Delete removes a rule from the store and every node's cache
func (s *Service) Delete(ctx context.Context, rule *Rule, actor string) error {
	if rule == nil {
		return fmt.Errorf("%w: rule cannot be nil", ErrInvalidArgument)
	}
	if err := s.store.Delete(ctx, rule); err != nil {
		ruleMutations.WithLabelValues("delete", outcome(err)).Inc()
		return err
	}

	ruleMutations.WithLabelValues("delete", "ok").Inc()
	logger.Info("rule deleted", "rule_id", rule.ID, "key", rule.Key(), "actor", actor)

	// Cache entries carry both ids, so the numeric id always finds them
	s.broadcast(ctx, invalidation.NewRemove(invalidation.NumericRef(rule.ID)))
	return nil
}

// DeleteByID looks a rule up and deletes it
func (s *Service) DeleteByID(ctx context.Context, id int64, actor string) (*Rule, error) {
	rule, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Delete(ctx, rule, actor); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Rule, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) GetByUniqueID(ctx context.Context, uniqueID uuid.UUID) (*Rule, error) {
	return s.store.GetByUniqueID(ctx, uniqueID)
}

// List returns the stored rules ordered by id, keeping only those matched
// by filter when it is non-nil
func (s *Service) List(ctx context.Context, filter *Filter) ([]*Rule, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return all, nil
	}

	out := make([]*Rule, 0, len(all))
	for _, r := range all {
		ok, err := filter.Match(r)
		if err != nil {
			return nil, fmt.Errorf("filter rule %d: %w", r.ID, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// RefreshAll drops every node's cache
func (s *Service) RefreshAll(ctx context.Context, actor string) {
	logger.Info("full cache refresh requested", "actor", actor)
	s.broadcast(ctx, invalidation.NewRefreshAll())
}

// checkInbound rejects a rule whose inbound triple belongs to another rule
func (s *Service) checkInbound(ctx context.Context, rule *Rule) error {
	existing, err := s.store.GetByInbound(ctx, rule.InboundProtocol, rule.InboundHost, rule.InboundPort)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID != rule.ID {
		return fmt.Errorf("%w: inbound %s already used by rule %d", ErrConflict, rule.Key(), existing.ID)
	}
	return nil
}

// broadcast applies msg locally then publishes it. The local apply makes
// the change visible to this node immediately; the echo is idempotent.
// Neither failure is returned to the caller.
func (s *Service) broadcast(ctx context.Context, msg invalidation.Message) {
	if s.cache != nil {
		if err := invalidation.Apply(ctx, s.cache, msg); err != nil {
			logger.Warn("failed to apply cache update locally", "type", msg.Type, "error", err)
		}
	}

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		logger.Warn("failed to publish invalidation", "type", msg.Type, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}
