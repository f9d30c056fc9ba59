package chatsync

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// InvalidationRule maps a push kind to the REST cache prefixes it makes
// stale. Resolve may add prefixes derived from the payload.
type InvalidationRule struct {
	Kind     EventKind
	Prefixes []string
	Resolve  func(payload json.RawMessage) []string
}

// Invalidation is what observers are told after a clear.
type Invalidation struct {
	Kind     EventKind
	Prefixes []string
	Payload  json.RawMessage
}

// InvalidationCoordinator clears REST cache entries made stale by push
// events and tells observers so they can re-fetch. It never re-fetches.
type InvalidationCoordinator struct {
	cache   CacheClearer
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.RWMutex
	rules     map[EventKind][]InvalidationRule
	observers map[uint64]func(Invalidation)
	nextID    uint64
}

// NewInvalidationCoordinator creates a coordinator with no rules.
func NewInvalidationCoordinator(cache CacheClearer, logger *zap.Logger, metrics *Metrics) *InvalidationCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationCoordinator{
		cache:     cache,
		logger:    logger.Named("invalidation"),
		metrics:   metrics,
		rules:     make(map[EventKind][]InvalidationRule),
		observers: make(map[uint64]func(Invalidation)),
	}
}

// DefaultInvalidationRules covers the app's CRUD collections plus the chat
// list endpoints.
func DefaultInvalidationRules() []InvalidationRule {
	return []InvalidationRule{
		{Kind: KindEventUpdate, Prefixes: []string{"/api/events"}, Resolve: idPrefix("/api/events/", "eventId")},
		{Kind: KindBudgetUpdate, Prefixes: []string{"/api/budgets"}},
		{Kind: KindChecklistUpdate, Prefixes: []string{"/api/checklists"}},
		{Kind: KindGuideUpdate, Prefixes: []string{"/api/guides"}},
		{Kind: KindNewMessage, Prefixes: []string{"/api/conversations"}, Resolve: idPrefix("/api/forum/rooms/", "conversationId")},
		{Kind: KindNewRoom, Prefixes: []string{"/api/forum/rooms"}},
	}
}

// idPrefix builds a resolver that scopes a prefix to an ID in the payload.
func idPrefix(base, field string) func(json.RawMessage) []string {
	return func(payload json.RawMessage) []string {
		var m map[string]any
		if json.Unmarshal(payload, &m) != nil {
			return nil
		}
		if id, ok := m[field].(string); ok && id != "" {
			return []string{base + id}
		}
		return nil
	}
}

// Register adds a rule. Several rules may share a kind.
func (c *InvalidationCoordinator) Register(rule InvalidationRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[rule.Kind] = append(c.rules[rule.Kind], rule)
}

// Subscribe adds an observer and returns a function that removes it.
func (c *InvalidationCoordinator) Subscribe(fn func(Invalidation)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// OnPushEvent clears every prefix the registered rules map kind to and
// notifies observers. It returns the cleared prefixes; an event kind with no
// rule clears nothing. Applying the same event twice is harmless.
func (c *InvalidationCoordinator) OnPushEvent(kind EventKind, payload json.RawMessage) []string {
	c.mu.RLock()
	rules := c.rules[kind]
	c.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var prefixes []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		prefixes = append(prefixes, p)
	}
	for _, r := range rules {
		for _, p := range r.Prefixes {
			add(p)
		}
		if r.Resolve != nil {
			for _, p := range r.Resolve(payload) {
				add(p)
			}
		}
	}
	sort.Strings(prefixes)

	dropped := 0
	for _, p := range prefixes {
		dropped += c.cache.ClearCache(p)
		c.metrics.incInvalidation(string(kind))
	}
	c.logger.Debug("cache invalidated",
		zap.String("kind", string(kind)),
		zap.Strings("prefixes", prefixes),
		zap.Int("entries", dropped),
	)

	c.notify(Invalidation{Kind: kind, Prefixes: prefixes, Payload: payload})
	return prefixes
}

func (c *InvalidationCoordinator) notify(inv Invalidation) {
	c.mu.RLock()
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Invalidation), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(inv)
	}
}
