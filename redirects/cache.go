package redirects

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/redirects/internal/logger"
)

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL forces a full rebuild once the loaded map is older than this.
	// Zero disables expiry; the cache then only changes on invalidation.
	TTL time.Duration
}

// DefaultCacheConfig returns the defaults: invalidation only, no TTL
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// snapshot is an immutable key -> rule map. Writers replace it, never
// modify it in place.
type snapshot struct {
	rules    map[string]*Rule
	loadedAt time.Time
}

// RuleCache is the per-process lookup table of rules keyed by inbound
// triple. Readers never block; rebuilds and point updates are serialized
// and become visible atomically.
type RuleCache struct {
	store  RuleStore
	config CacheConfig

	// nil means not loaded
	current atomic.Pointer[snapshot]
	mu      sync.Mutex
}

// NewRuleCache creates an empty cache that loads from store on first use
func NewRuleCache(store RuleStore, config CacheConfig) *RuleCache {
	return &RuleCache{
		store:  store,
		config: config,
	}
}

// loaded returns the current snapshot, or nil if empty or expired
func (c *RuleCache) loaded() *snapshot {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	if c.config.TTL > 0 && time.Since(snap.loadedAt) > c.config.TTL {
		return nil
	}
	return snap
}

// Loaded reports whether the cache holds a usable rule set
func (c *RuleCache) Loaded() bool {
	return c.loaded() != nil
}

// Len returns the number of cached rules, 0 when not loaded
func (c *RuleCache) Len() int {
	if snap := c.loaded(); snap != nil {
		return len(snap.rules)
	}
	return 0
}

// Rules returns a copy of the cached rules ordered by id, or nil if not loaded
func (c *RuleCache) Rules() []*Rule {
	snap := c.loaded()
	if snap == nil {
		return nil
	}
	out := make([]*Rule, 0, len(snap.rules))
	for _, r := range snap.rules {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup finds the rule for an inbound triple, rebuilding the cache first
// if it is empty. The returned rule is a copy.
func (c *RuleCache) Lookup(ctx context.Context, protocol Protocol, host string, port int) (*Rule, bool, error) {
	snap := c.loaded()
	if snap == nil {
		var err error
		if snap, err = c.ensureLoaded(ctx); err != nil {
			return nil, false, err
		}
	}

	rule, ok := snap.rules[Key(protocol, host, port)]
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return rule.clone(), true, nil
}

// ensureLoaded rebuilds unless another caller already did while we waited
func (c *RuleCache) ensureLoaded(ctx context.Context) (*snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap := c.loaded(); snap != nil {
		return snap, nil
	}
	return c.rebuildLocked(ctx)
}

// Rebuild replaces the whole map with the store's current content
func (c *RuleCache) Rebuild(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.rebuildLocked(ctx)
	return err
}

func (c *RuleCache) rebuildLocked(ctx context.Context) (*snapshot, error) {
	start := time.Now()

	all, err := c.store.GetAll(ctx)
	if err != nil {
		cacheRebuilds.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to rebuild rule cache: %w", err)
	}

	rules := make(map[string]*Rule, len(all))
	for _, r := range all {
		key := r.Key()
		if prev, dup := rules[key]; dup {
			// Cannot happen while the inbound constraint holds; keep the oldest
			logger.Warn("duplicate inbound key in store", "key", key, "rule_id", r.ID, "kept_rule_id", prev.ID)
			continue
		}
		rules[key] = r.clone()
	}

	snap := &snapshot{rules: rules, loadedAt: time.Now()}
	c.current.Store(snap)

	cacheRebuilds.WithLabelValues("ok").Inc()
	cachedRules.Set(float64(len(rules)))
	logger.Info("rule cache rebuilt", "rules", len(rules), "duration", time.Since(start).String())
	return snap, nil
}

// Invalidate drops the cache; the next lookup rebuilds it
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current.Store(nil)
	cachedRules.Set(0)
	cacheUpdates.WithLabelValues("invalidate").Inc()
	logger.Debug("rule cache invalidated")
}

// UpsertByID re-fetches one rule by numeric id
func (c *RuleCache) UpsertByID(ctx context.Context, id int64) error {
	return c.upsert(ctx, fmt.Sprint(id),
		func(r *Rule) bool { return r.ID == id },
		func(ctx context.Context) (*Rule, error) { return c.store.GetByID(ctx, id) },
	)
}

// UpsertByUniqueID re-fetches one rule by unique id
func (c *RuleCache) UpsertByUniqueID(ctx context.Context, uniqueID uuid.UUID) error {
	return c.upsert(ctx, uniqueID.String(),
		func(r *Rule) bool { return r.UniqueID == uniqueID },
		func(ctx context.Context) (*Rule, error) { return c.store.GetByUniqueID(ctx, uniqueID) },
	)
}

func (c *RuleCache) upsert(ctx context.Context, ref string, match func(*Rule) bool, fetch func(context.Context) (*Rule, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.loaded()
	if snap == nil {
		// No point patching a map that was never loaded
		_, err := c.rebuildLocked(ctx)
		return err
	}

	rule, err := fetch(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// The entry may be stale now; fall back to a full rebuild on next lookup
		c.current.Store(nil)
		cachedRules.Set(0)
		cacheUpdates.WithLabelValues("upsert_failed").Inc()
		return fmt.Errorf("failed to refresh rule %s: %w", ref, err)
	}

	next := without(snap.rules, match)
	if rule != nil {
		next[rule.Key()] = rule.clone()
		cacheUpdates.WithLabelValues("upsert").Inc()
		logger.Debug("rule cache entry refreshed", "rule_id", rule.ID, "key", rule.Key())
	} else {
		cacheUpdates.WithLabelValues("upsert_missing").Inc()
		logger.Debug("rule gone from store, removed from cache", "ref", ref)
	}

	c.publish(next, snap.loadedAt)
	return nil
}

// RemoveByID drops any entry with the numeric id. No-op when not loaded.
func (c *RuleCache) RemoveByID(id int64) {
	c.remove(func(r *Rule) bool { return r.ID == id })
}

// RemoveByUniqueID drops any entry with the unique id. No-op when not loaded.
func (c *RuleCache) RemoveByUniqueID(uniqueID uuid.UUID) {
	c.remove(func(r *Rule) bool { return r.UniqueID == uniqueID })
}

func (c *RuleCache) remove(match func(*Rule) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.loaded()
	if snap == nil {
		return
	}

	next := without(snap.rules, match)
	if len(next) == len(snap.rules) {
		return
	}
	c.publish(next, snap.loadedAt)
	cacheUpdates.WithLabelValues("remove").Inc()
}

// publish swaps in a point-updated map. The load time is kept so point
// updates do not extend the TTL of a full rebuild.
func (c *RuleCache) publish(rules map[string]*Rule, loadedAt time.Time) {
	c.current.Store(&snapshot{rules: rules, loadedAt: loadedAt})
	cachedRules.Set(float64(len(rules)))
}

// without copies m, skipping entries that match
func without(m map[string]*Rule, match func(*Rule) bool) map[string]*Rule {
	out := make(map[string]*Rule, len(m)+1)
	for k, r := range m {
		if !match(r) {
			out[k] = r
		}
	}
	return out
}
