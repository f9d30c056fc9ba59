package chatsync

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ConversationList folds the push stream into the sorted conversation and
// room list shown on list screens.
type ConversationList struct {
	clock  Clock
	logger *zap.Logger

	mu        sync.Mutex
	selfID    string
	entries   map[string]*ConversationListEntry
	sorted    []*ConversationListEntry
	open      map[string]int
	observers map[uint64]func([]ConversationListEntry)
	nextID    uint64
}

// NewConversationList creates an empty list.
func NewConversationList(clock Clock, logger *zap.Logger) *ConversationList {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationList{
		clock:     clockOrSystem(clock),
		logger:    logger.Named("list"),
		entries:   make(map[string]*ConversationListEntry),
		open:      make(map[string]int),
		observers: make(map[uint64]func([]ConversationListEntry)),
	}
}

// SetSelf sets the local user's ID. Messages from that sender never count
// as unread.
func (l *ConversationList) SetSelf(userID string) {
	l.mu.Lock()
	l.selfID = userID
	l.mu.Unlock()
}

// Seed replaces the list with entries fetched over REST. Unread counts of
// conversations that are open right now are zeroed.
func (l *ConversationList) Seed(entries []ConversationListEntry) {
	l.mu.Lock()
	l.entries = make(map[string]*ConversationListEntry, len(entries))
	for i := range entries {
		e := copyEntry(&entries[i])
		if e.LastActivityAt.IsZero() && e.LastMessage != nil {
			e.LastActivityAt = e.LastMessage.CreatedAt
		}
		if l.open[e.ConversationID] > 0 {
			e.UnreadCount = 0
		}
		l.entries[e.ConversationID] = &e
	}
	l.resortLocked()
	l.mu.Unlock()
	l.notify()
}

// ApplyMessage records a newly inserted canonical message. Unread grows by
// exactly one unless the conversation is open or the local user sent it.
// Callers pass only messages the Reconciler reported as inserted.
func (l *ConversationList) ApplyMessage(msg Message) {
	l.mu.Lock()
	e, ok := l.entries[msg.ConversationID]
	if !ok {
		e = &ConversationListEntry{ConversationID: msg.ConversationID}
		l.entries[msg.ConversationID] = e
	}
	if e.LastMessage == nil || !msg.CreatedAt.Before(e.LastMessage.CreatedAt) {
		e.LastMessage = copyMessage(&msg)
	}
	if msg.CreatedAt.After(e.LastActivityAt) {
		e.LastActivityAt = msg.CreatedAt
	}
	if l.open[msg.ConversationID] == 0 && (msg.SenderID == "" || msg.SenderID != l.selfID) {
		e.UnreadCount++
	}
	l.resortLocked()
	l.mu.Unlock()
	l.notify()
}

// Open marks a conversation as on screen and zeroes its unread count.
// Opening an already-open conversation changes nothing.
func (l *ConversationList) Open(convID string) {
	l.mu.Lock()
	l.open[convID]++
	changed := false
	if e, ok := l.entries[convID]; ok && e.UnreadCount != 0 {
		e.UnreadCount = 0
		changed = true
	}
	l.mu.Unlock()
	if changed {
		l.notify()
	}
}

// Close releases one Open of convID.
func (l *ConversationList) Close(convID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.open[convID]; n > 1 {
		l.open[convID] = n - 1
		return
	}
	delete(l.open, convID)
}

// IsOpen reports whether any view holds convID open.
func (l *ConversationList) IsOpen(convID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[convID] > 0
}

// ApplyOnlineCount overwrites a room's online count. It reports whether the
// room is listed.
func (l *ConversationList) ApplyOnlineCount(roomID string, count int) bool {
	l.mu.Lock()
	e, ok := l.entries[roomID]
	if !ok || e.OnlineCount == count {
		l.mu.Unlock()
		return ok
	}
	e.OnlineCount = count
	l.mu.Unlock()
	l.notify()
	return true
}

// AddRoom lists a room announced by new_room. A fresh room lands at the
// top because its activity time is its creation time.
func (l *ConversationList) AddRoom(room Room) {
	if room.ID == "" {
		return
	}
	l.mu.Lock()
	e, ok := l.entries[room.ID]
	if !ok {
		at := room.CreatedAt
		if at.IsZero() {
			at = l.clock.Now()
		}
		e = &ConversationListEntry{
			ConversationID: room.ID,
			Type:           ConversationRoom,
			LastActivityAt: at,
		}
		l.entries[room.ID] = e
		l.logger.Debug("room listed", zap.String("room_id", room.ID))
	}
	e.Title = room.Name
	e.OnlineCount = room.OnlineCount
	l.resortLocked()
	l.mu.Unlock()
	l.notify()
}

// MarkDeleted flags the listed last message as deleted if it is messageID.
func (l *ConversationList) MarkDeleted(messageID string) bool {
	l.mu.Lock()
	hit := false
	for _, e := range l.entries {
		if e.LastMessage != nil && e.LastMessage.ID == messageID && !e.LastMessage.Deleted {
			e.LastMessage.Deleted = true
			hit = true
		}
	}
	l.mu.Unlock()
	if hit {
		l.notify()
	}
	return hit
}

// Entry returns a copy of one entry.
func (l *ConversationList) Entry(convID string) (ConversationListEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[convID]
	if !ok {
		return ConversationListEntry{}, false
	}
	return copyEntry(e), true
}

// Entries returns the list ordered by last activity, newest first.
func (l *ConversationList) Entries() []ConversationListEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Subscribe registers fn to receive the list after every change and
// returns a function that removes it.
func (l *ConversationList) Subscribe(fn func([]ConversationListEntry)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.observers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

func (l *ConversationList) resortLocked() {
	l.sorted = l.sorted[:0]
	for _, e := range l.entries {
		l.sorted = append(l.sorted, e)
	}
	sort.Slice(l.sorted, func(i, j int) bool {
		a, b := l.sorted[i], l.sorted[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ConversationID < b.ConversationID
	})
}

func (l *ConversationList) snapshotLocked() []ConversationListEntry {
	out := make([]ConversationListEntry, 0, len(l.sorted))
	for _, e := range l.sorted {
		out = append(out, copyEntry(e))
	}
	return out
}

func (l *ConversationList) notify() {
	l.mu.Lock()
	if len(l.observers) == 0 {
		l.mu.Unlock()
		return
	}
	snap := l.snapshotLocked()
	ids := make([]uint64, 0, len(l.observers))
	for id := range l.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func([]ConversationListEntry), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.observers[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func copyEntry(e *ConversationListEntry) ConversationListEntry {
	c := *e
	c.LastMessage = copyMessage(e.LastMessage)
	return c
}

