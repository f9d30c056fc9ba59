package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listIDs(entries []ConversationListEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ConversationID
	}
	return out
}

func TestConversationList_UnreadSuppression(t *testing.T) {
	l := NewConversationList(newFakeClock(), nil)
	l.Seed([]ConversationListEntry{
		{ConversationID: "c1", Title: "Ana", LastActivityAt: t0},
		{ConversationID: "c2", Title: "Ben", LastActivityAt: t0.Add(-time.Hour)},
	})
	l.Open("c1")

	for i := 0; i < 3; i++ {
		l.ApplyMessage(msg("a"+string(rune('0'+i)), "c1", "u2", "hi", t0.Add(time.Duration(i+1)*time.Second)))
		l.ApplyMessage(msg("b"+string(rune('0'+i)), "c2", "u3", "yo", t0.Add(time.Duration(i+1)*time.Second)))
	}

	c1, _ := l.Entry("c1")
	c2, _ := l.Entry("c2")
	assert.Zero(t, c1.UnreadCount)
	assert.Equal(t, 3, c2.UnreadCount)
	assert.Equal(t, "b2", c2.LastMessage.ID)
}

func TestConversationList_OwnMessagesNotUnread(t *testing.T) {
	l := NewConversationList(newFakeClock(), nil)
	l.SetSelf(self)

	l.ApplyMessage(msg("m1", "c1", self, "sent elsewhere", t0))
	c1, ok := l.Entry("c1")
	require.True(t, ok)
	assert.Zero(t, c1.UnreadCount)
	assert.Equal(t, "m1", c1.LastMessage.ID)

	l.ApplyMessage(msg("m2", "c1", "u2", "reply", t0.Add(time.Second)))
	l.ApplyMessage(msg("m3", "c1", "", "system note", t0.Add(2*time.Second)))
	c1, _ = l.Entry("c1")
	assert.Equal(t, 2, c1.UnreadCount)
}

func TestConversationList_OpenIsIdempotent(t *testing.T) {
	l := NewConversationList(newFakeClock(), nil)
	l.ApplyMessage(msg("m1", "c1", "u2", "hi", t0))
	l.ApplyMessage(msg("m2", "c1", "u2", "again", t0.Add(time.Second)))

	var notes int
	l.Subscribe(func([]ConversationListEntry) { notes++ })

	l.Open("c1")
	l.Open("c1")
	e, ok := l.Entry("c1")
	require.True(t, ok)
	assert.Zero(t, e.UnreadCount)
	assert.Equal(t, 1, notes, "second open changes nothing")

	// One of two views closes; the conversation is still on screen.
	l.Close("c1")
	assert.True(t, l.IsOpen("c1"))
	l.ApplyMessage(msg("m3", "c1", "u2", "still open", t0.Add(2*time.Second)))
	e, _ = l.Entry("c1")
	assert.Zero(t, e.UnreadCount)

	l.Close("c1")
	assert.False(t, l.IsOpen("c1"))
	l.ApplyMessage(msg("m4", "c1", "u2", "closed now", t0.Add(3*time.Second)))
	e, _ = l.Entry("c1")
	assert.Equal(t, 1, e.UnreadCount)
}

func TestConversationList_SortedByActivity(t *testing.T) {
	l := NewConversationList(newFakeClock(), nil)
	l.Seed([]ConversationListEntry{
		{ConversationID: "a", LastActivityAt: t0},
		{ConversationID: "b", LastActivityAt: t0},
		{ConversationID: "c", LastMessage: &Message{ID: "x", CreatedAt: t0.Add(time.Minute)}},
	})
	assert.Equal(t, []string{"c", "a", "b"}, listIDs(l.Entries()))

	l.ApplyMessage(msg("m1", "b", "u2", "bump", t0.Add(2*time.Minute)))
	assert.Equal(t, []string{"b", "c", "a"}, listIDs(l.Entries()))

	// A late, older message counts as unread but does not move the entry.
	l.ApplyMessage(msg("m0", "a", "u2", "old", t0.Add(-time.Minute)))
	entries := l.Entries()
	assert.Equal(t, []string{"b", "c", "a"}, listIDs(entries))
	assert.Equal(t, 1, entries[2].UnreadCount)
}

func TestConversationList_RoomsAndPresence(t *testing.T) {
	clock := newFakeClock()
	l := NewConversationList(clock, nil)
	l.Seed([]ConversationListEntry{{ConversationID: "c1", LastActivityAt: t0.Add(-time.Hour)}})

	l.AddRoom(Room{ID: "r1", Name: "Vendors"})
	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "r1", entries[0].ConversationID)
	assert.Equal(t, ConversationRoom, entries[0].Type)
	assert.Equal(t, "Vendors", entries[0].Title)

	assert.True(t, l.ApplyOnlineCount("r1", 5))
	assert.True(t, l.ApplyOnlineCount("r1", 3))
	assert.False(t, l.ApplyOnlineCount("unknown", 1))
	e, _ := l.Entry("r1")
	assert.Equal(t, 3, e.OnlineCount)

	l.AddRoom(Room{ID: "", Name: "ignored"})
	assert.Len(t, l.Entries(), 2)
}

func TestConversationList_MarkDeletedAndCopies(t *testing.T) {
	l := NewConversationList(newFakeClock(), nil)
	l.ApplyMessage(msg("m1", "c1", "u2", "oops", t0))

	assert.True(t, l.MarkDeleted("m1"))
	assert.False(t, l.MarkDeleted("m1"))
	assert.False(t, l.MarkDeleted("other"))

	entries := l.Entries()
	assert.True(t, entries[0].LastMessage.Deleted)
	entries[0].LastMessage.Content = "mutated"
	e, _ := l.Entry("c1")
	assert.Equal(t, "oops", e.LastMessage.Content)
}
