package chatsync

import (
	"encoding/json"
	"sort"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageKind distinguishes user-authored messages from system notices.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindSystem MessageKind = "system"
)

// Reaction is a single emoji reaction left by one user.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is a canonical message: its ID was assigned by the server.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Content        string              `json:"content"`
	Kind           MessageKind         `json:"type,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	ReadBy         map[string]struct{} `json:"-"`
	Reactions      []Reaction          `json:"reactions,omitempty"`
	Deleted        bool                `json:"deleted,omitempty"`
	ClientRef      string              `json:"clientRef,omitempty"`
}

// IsReadBy reports whether userID has read the message.
func (m *Message) IsReadBy(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// Readers returns the sorted IDs of users who have read the message.
func (m *Message) Readers() []string {
	out := make([]string, 0, len(m.ReadBy))
	for id := range m.ReadBy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type messageAlias Message

type wireMessage struct {
	*messageAlias
	ReadBy []string `json:"readBy,omitempty"`
}

// MarshalJSON encodes ReadBy as a sorted array.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{messageAlias: (*messageAlias)(&m), ReadBy: m.Readers()})
}

// UnmarshalJSON decodes the readBy array into the ReadBy set.
func (m *Message) UnmarshalJSON(data []byte) error {
	w := wireMessage{messageAlias: (*messageAlias)(m)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.ReadBy) > 0 {
		m.ReadBy = make(map[string]struct{}, len(w.ReadBy))
		for _, id := range w.ReadBy {
			m.ReadBy[id] = struct{}{}
		}
	}
	return nil
}

func (m *Message) clone() Message {
	c := *m
	if m.ReadBy != nil {
		c.ReadBy = make(map[string]struct{}, len(m.ReadBy))
		for k := range m.ReadBy {
			c.ReadBy[k] = struct{}{}
		}
	}
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return c
}

// ============================================================================
// Optimistic entries
// ============================================================================

// SendState is the lifecycle state of an optimistic entry.
type SendState string

const (
	SendPending SendState = "pending"
	SendFailed  SendState = "failed"
)

// OptimisticEntry is a local placeholder for a send that the server has not
// yet confirmed.
type OptimisticEntry struct {
	TempID         string    `json:"tempId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	ClientRef      string    `json:"clientRef"`
	CreatedAt      time.Time `json:"createdAt"`
	SendState      SendState `json:"sendState"`
}

// ============================================================================
// Timeline projection
// ============================================================================

// TimelineItem is one row of a conversation timeline. Optimistic rows carry
// their temporary ID in ID and a non-empty SendState.
type TimelineItem struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	CreatedAt      time.Time
	ReadBy         []string
	Reactions      []Reaction
	Deleted        bool
	Optimistic     bool
	SendState      SendState
}

func itemFromMessage(m *Message) TimelineItem {
	return TimelineItem{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           m.Kind,
		CreatedAt:      m.CreatedAt,
		ReadBy:         m.Readers(),
		Reactions:      append([]Reaction(nil), m.Reactions...),
		Deleted:        m.Deleted,
	}
}

func itemFromOptimistic(e *OptimisticEntry) TimelineItem {
	return TimelineItem{
		ID:             e.TempID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		Kind:           KindText,
		CreatedAt:      e.CreatedAt,
		Optimistic:     true,
		SendState:      e.SendState,
	}
}

// timelineLess orders by createdAt ascending, ties broken by ID.
func timelineLess(at time.Time, aID string, bt time.Time, bID string) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return aID < bID
}

// ============================================================================
// Presence, rooms and list entries
// ============================================================================

// PresenceState is the last server-reported presence of a room.
type PresenceState struct {
	RoomID      string
	OnlineCount int
	Members     []string
	UpdatedAt   time.Time
}

// ConversationType tells direct conversations from forum rooms.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationRoom   ConversationType = "room"
)

// Room is a forum room as announced by new_room or listed over REST.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OnlineCount int       `json:"onlineCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConversationListEntry is the summary row shown on list screens.
type ConversationListEntry struct {
	ConversationID string           `json:"id"`
	Title          string           `json:"title"`
	Type           ConversationType `json:"type,omitempty"`
	LastMessage    *Message         `json:"lastMessage,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
	OnlineCount    int              `json:"onlineCount"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// Identity is who the connection authenticates as.
type Identity struct {
	UserID string
	Token  string
}
