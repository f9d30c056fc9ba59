package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededCache() *RequestCache {
	c := NewRequestCache(0, newFakeClock())
	for _, k := range []string{
		"/api/events",
		"/api/events/e1",
		"/api/events/e2?include=guests",
		"/api/budgets?eventId=e1",
		"/api/guides",
		"/api/conversations",
		"/api/conversations/c1/messages",
		"/api/forum/rooms",
		"/api/forum/rooms/r1/messages",
	} {
		c.Set(k, []byte(`[]`))
	}
	return c
}

func TestInvalidation_DefaultRules(t *testing.T) {
	tests := []struct {
		kind    EventKind
		payload string
		cleared []string
		left    int
	}{
		{KindEventUpdate, `{"eventId":"e1"}`, []string{"/api/events", "/api/events/e1"}, 6},
		{KindBudgetUpdate, `{}`, []string{"/api/budgets"}, 8},
		{KindChecklistUpdate, `null`, []string{"/api/checklists"}, 9},
		{KindNewMessage, `{"conversationId":"r1"}`, []string{"/api/conversations", "/api/forum/rooms/r1"}, 6},
		{KindNewRoom, `{"id":"r9"}`, []string{"/api/forum/rooms"}, 7},
		{"poll_update", `{}`, nil, 9},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			cache := seededCache()
			m := NewMetrics(nil)
			c := NewInvalidationCoordinator(cache, nil, m)
			for _, r := range DefaultInvalidationRules() {
				c.Register(r)
			}

			got := c.OnPushEvent(tt.kind, json.RawMessage(tt.payload))
			assert.Equal(t, tt.cleared, got)
			assert.Equal(t, tt.left, cache.Len())
			assert.Equal(t, float64(len(tt.cleared)), testutil.ToFloat64(m.cacheInvalidation.WithLabelValues(string(tt.kind))))
		})
	}
}

func TestInvalidation_IdempotentAndObserved(t *testing.T) {
	cache := seededCache()
	c := NewInvalidationCoordinator(cache, nil, nil)
	c.Register(InvalidationRule{Kind: KindGuideUpdate, Prefixes: []string{"/api/guides"}})

	var seen []Invalidation
	off := c.Subscribe(func(inv Invalidation) { seen = append(seen, inv) })

	c.OnPushEvent(KindGuideUpdate, nil)
	c.OnPushEvent(KindGuideUpdate, nil)
	_, ok := cache.Get("/api/guides")
	assert.False(t, ok)
	assert.Equal(t, 8, cache.Len())

	require.Len(t, seen, 2)
	assert.Equal(t, []string{"/api/guides"}, seen[0].Prefixes)

	off()
	c.OnPushEvent(KindGuideUpdate, nil)
	assert.Len(t, seen, 2)
}

func TestInvalidation_RulesShareKind(t *testing.T) {
	cache := seededCache()
	c := NewInvalidationCoordinator(cache, nil, nil)
	c.Register(InvalidationRule{Kind: KindBudgetUpdate, Prefixes: []string{"/api/budgets"}})
	c.Register(InvalidationRule{Kind: KindBudgetUpdate, Prefixes: []string{"/api/events", "/api/budgets"}})

	assert.Equal(t, []string{"/api/budgets", "/api/events"}, c.OnPushEvent(KindBudgetUpdate, nil))
	assert.Equal(t, 5, cache.Len())
}

func TestRequestCache_TTL(t *testing.T) {
	clock := newFakeClock()
	c := NewRequestCache(time.Minute, clock)
	c.Set("/api/events", []byte("x"))

	got, ok := c.Get("/api/events")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), got)

	clock.Advance(time.Minute + time.Second)
	_, ok = c.Get("/api/events")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestRequestCache_ClearPrefix(t *testing.T) {
	c := seededCache()
	assert.Equal(t, 3, c.ClearCache("/api/events"))
	assert.Equal(t, 0, c.ClearCache("/api/events"))
	assert.NotContains(t, c.Keys(), "/api/events/e1")
	assert.Contains(t, c.Keys(), "/api/budgets?eventId=e1")
}
