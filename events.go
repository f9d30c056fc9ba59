package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Event kinds
// ============================================================================

// EventKind names a push event or a client lifecycle event.
type EventKind string

const (
	KindAuthenticated   EventKind = "authenticated"
	KindPong            EventKind = "pong"
	KindError           EventKind = "error"
	KindNewMessage      EventKind = "new_message"
	KindMessageDeleted  EventKind = "message_deleted"
	KindMessageReaction EventKind = "message_reaction"
	KindMessageRead     EventKind = "message_read"
	KindUserTyping      EventKind = "user_typing"
	KindRoomUpdate      EventKind = "room_update"
	KindNewRoom         EventKind = "new_room"

	// Client lifecycle, never decoded from the wire.
	KindConnected    EventKind = "client.connected"
	KindDisconnected EventKind = "client.disconnected"
	KindReconnecting EventKind = "client.reconnecting"
)

// Domain event kinds that only matter to the cache layer.
const (
	KindEventUpdate     EventKind = "event_update"
	KindBudgetUpdate    EventKind = "budget_update"
	KindChecklistUpdate EventKind = "checklist_update"
	KindGuideUpdate     EventKind = "guide_update"
)

// RoomUpdateOnlineCount is the room_update subtype carrying presence.
const RoomUpdateOnlineCount = "online_count"

var kindAliases = map[string]EventKind{
	"newMessage":      KindNewMessage,
	"messageDeleted":  KindMessageDeleted,
	"messageReaction": KindMessageReaction,
	"messageRead":     KindMessageRead,
	"userTyping":      KindUserTyping,
	"roomUpdate":      KindRoomUpdate,
	"newRoom":         KindNewRoom,
}

// NormalizeKind maps camelCase aliases onto their canonical kind.
func NormalizeKind(name string) EventKind {
	if k, ok := kindAliases[name]; ok {
		return k
	}
	return EventKind(name)
}

func (k EventKind) isLifecycle() bool {
	return strings.HasPrefix(string(k), "client.")
}

// IsDomain reports whether k is not one of the chat engine's own kinds.
func (k EventKind) IsDomain() bool {
	switch k {
	case KindAuthenticated, KindPong, KindError, KindNewMessage, KindMessageDeleted,
		KindMessageReaction, KindMessageRead, KindUserTyping, KindRoomUpdate, KindNewRoom:
		return false
	}
	return !k.isLifecycle()
}

// ============================================================================
// Wire envelope and commands
// ============================================================================

// Envelope is the wire format for every push event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Command names.
const (
	CmdJoinRoom    = "joinRoom"
	CmdLeaveRoom   = "leaveRoom"
	CmdSendMessage = "sendMessage"
	CmdTyping      = "typing"
	CmdAddReaction = "addReaction"
	CmdPing        = "ping"
)

// ============================================================================
// Events
// ============================================================================

// Event is the closed set of decoded events. Every concrete type lives in
// this file.
type Event interface {
	Kind() EventKind
	isEvent()
}

// AuthenticatedEvent is the first frame on every connection and names the
// session user.
type AuthenticatedEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// NewMessageEvent carries a canonical message.
type NewMessageEvent struct {
	Message Message `json:"message"`
}

// MessageDeletedEvent soft-deletes a message.
type MessageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// MessageReactionEvent replaces a message's full reaction set.
type MessageReactionEvent struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId,omitempty"`
	Reactions      []Reaction `json:"reactions"`
}

// MessageReadEvent marks messages read. An empty UserID means the peer of a
// direct chat.
type MessageReadEvent struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId,omitempty"`
	UserID         string   `json:"userId,omitempty"`
}

// UserTypingEvent reports a typing start or stop in a room or conversation.
type UserTypingEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// RoomUpdateEvent reports a room presence change. Subtype defaults to
// RoomUpdateOnlineCount.
type RoomUpdateEvent struct {
	RoomID  string   `json:"roomId"`
	Subtype string   `json:"subtype"`
	Count   int      `json:"count"`
	Members []string `json:"members,omitempty"`
}

// NewRoomEvent announces a room created elsewhere.
type NewRoomEvent struct {
	Room Room `json:"room"`
}

// ErrorEvent is a server-side error report.
type ErrorEvent struct {
	Message string `json:"message"`
}

// PongEvent answers a ping; RequestID echoes the ping's.
type PongEvent struct {
	RequestID string `json:"requestId"`
}

// DomainEvent is any push kind the engine does not interpret itself.
type DomainEvent struct {
	Name    EventKind
	Payload json.RawMessage
}

// ConnectedEvent is emitted locally after every successful (re)connect.
type ConnectedEvent struct {
	UserID string
}

// DisconnectedEvent is emitted locally when the connection ends.
type DisconnectedEvent struct {
	Code   int
	Reason string
}

// ReconnectingEvent is emitted locally before each reconnect attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

func (AuthenticatedEvent) Kind() EventKind   { return KindAuthenticated }
func (NewMessageEvent) Kind() EventKind      { return KindNewMessage }
func (MessageDeletedEvent) Kind() EventKind  { return KindMessageDeleted }
func (MessageReactionEvent) Kind() EventKind { return KindMessageReaction }
func (MessageReadEvent) Kind() EventKind     { return KindMessageRead }
func (UserTypingEvent) Kind() EventKind      { return KindUserTyping }
func (RoomUpdateEvent) Kind() EventKind      { return KindRoomUpdate }
func (NewRoomEvent) Kind() EventKind         { return KindNewRoom }
func (ErrorEvent) Kind() EventKind           { return KindError }
func (PongEvent) Kind() EventKind            { return KindPong }
func (e DomainEvent) Kind() EventKind        { return e.Name }
func (ConnectedEvent) Kind() EventKind       { return KindConnected }
func (DisconnectedEvent) Kind() EventKind    { return KindDisconnected }
func (ReconnectingEvent) Kind() EventKind    { return KindReconnecting }

func (AuthenticatedEvent) isEvent()   {}
func (NewMessageEvent) isEvent()      {}
func (MessageDeletedEvent) isEvent()  {}
func (MessageReactionEvent) isEvent() {}
func (MessageReadEvent) isEvent()     {}
func (UserTypingEvent) isEvent()      {}
func (RoomUpdateEvent) isEvent()      {}
func (NewRoomEvent) isEvent()         {}
func (ErrorEvent) isEvent()           {}
func (PongEvent) isEvent()            {}
func (DomainEvent) isEvent()          {}
func (ConnectedEvent) isEvent()       {}
func (DisconnectedEvent) isEvent()    {}
func (ReconnectingEvent) isEvent()    {}

// DecodeEvent turns a wire envelope into a typed Event.
func DecodeEvent(env Envelope) (Event, error) {
	kind := NormalizeKind(env.Type)
	if kind == "" {
		return nil, fmt.Errorf("empty event type")
	}
	if kind.isLifecycle() {
		return nil, fmt.Errorf("reserved event type %q", env.Type)
	}

	var (
		ev  Event
		err error
	)
	switch kind {
	case KindAuthenticated:
		var p AuthenticatedEvent
		err = unmarshalPayload(env.Payload, &p)
		ev = p
	case KindNewMessage:
		ev, err = decodeNewMessage(env.Payload)
	case KindMessageDeleted:
		var p MessageDeletedEvent
		err = unmarshalPayload(env.Payload, &p)
		ev = p
	case KindMessageReaction:
		var p MessageReactionEvent
		err = unmarshalPayload(env.Payload, &p)
		ev = p
	case KindMessageRead:
		var p MessageReadEvent
		err = unmarshalPayload(env.Payload, &p)
		ev = p
	case KindUserTyping:
		ev, err = decodeTyping(env.Payload)
	case KindRoomUpdate:
		ev, err = decodeRoomUpdate(env.Payload)
	case KindNewRoom:
		var p NewRoomEvent
		err = unmarshalPayload(env.Payload, &p)
		ev = p
	case KindError:
		var p ErrorEvent
		err = unmarshalPayload(env.Payload, &p)
		ev = p
	case KindPong:
		var p PongEvent
		err = unmarshalPayload(env.Payload, &p)
		ev = p
	default:
		ev = DomainEvent{Name: kind, Payload: env.Payload}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// new_message arrives either as {message: {...}} or as the bare message.
func decodeNewMessage(data json.RawMessage) (Event, error) {
	var wrapped struct {
		Message *Message `json:"message"`
	}
	if err := unmarshalPayload(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Message != nil && wrapped.Message.ID != "" {
		return NewMessageEvent{Message: *wrapped.Message}, nil
	}
	var bare Message
	if err := unmarshalPayload(data, &bare); err != nil {
		return nil, err
	}
	if bare.ID == "" {
		return nil, fmt.Errorf("message without id")
	}
	return NewMessageEvent{Message: bare}, nil
}

// user_typing addresses rooms by roomId and direct chats by conversationId.
func decodeTyping(data json.RawMessage) (Event, error) {
	var p struct {
		UserTypingEvent
		ConversationID string `json:"conversationId"`
	}
	if err := unmarshalPayload(data, &p); err != nil {
		return nil, err
	}
	ev := p.UserTypingEvent
	if ev.RoomID == "" {
		ev.RoomID = p.ConversationID
	}
	return ev, nil
}

func decodeRoomUpdate(data json.RawMessage) (Event, error) {
	var p struct {
		RoomUpdateEvent
		Type string `json:"type"`
	}
	if err := unmarshalPayload(data, &p); err != nil {
		return nil, err
	}
	ev := p.RoomUpdateEvent
	if ev.Subtype == "" {
		ev.Subtype = p.Type
	}
	if ev.Subtype == "" {
		ev.Subtype = RoomUpdateOnlineCount
	}
	return ev, nil
}

// ============================================================================
// Dispatcher
// ============================================================================

// Handler receives decoded events.
type Handler func(Event)

// Subscription is a registered handler. Off detaches it; calling Off twice
// is harmless.
type Subscription struct {
	id   uint64
	kind EventKind
	h    Handler
	d    *dispatcher
}

// Off detaches the handler.
func (s *Subscription) Off() {
	if s == nil || s.d == nil {
		return
	}
	s.d.remove(s)
}

type dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[EventKind][]*Subscription
	domain []*Subscription
	logger *zap.Logger
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		byKind: make(map[EventKind][]*Subscription),
		logger: logger,
	}
}

func (d *dispatcher) add(kind EventKind, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	s := &Subscription{id: d.nextID, kind: kind, h: h, d: d}
	d.byKind[kind] = append(d.byKind[kind], s)
	return s
}

// addDomain subscribes to every domain event regardless of name.
func (d *dispatcher) addDomain(h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	s := &Subscription{id: d.nextID, h: h, d: d}
	d.domain = append(d.domain, s)
	return s
}

func (d *dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.kind == "" {
		d.domain = without(d.domain, s.id)
		return
	}
	d.byKind[s.kind] = without(d.byKind[s.kind], s.id)
	if len(d.byKind[s.kind]) == 0 {
		delete(d.byKind, s.kind)
	}
}

func without(subs []*Subscription, id uint64) []*Subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (d *dispatcher) count(kind EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKind[kind])
}

// dispatch runs handlers synchronously, in registration order, outside the
// lock so handlers may subscribe or unsubscribe.
func (d *dispatcher) dispatch(ev Event) {
	kind := ev.Kind()
	d.mu.RLock()
	handlers := append([]*Subscription(nil), d.byKind[kind]...)
	if kind.IsDomain() {
		handlers = append(handlers, d.domain...)
	}
	d.mu.RUnlock()

	for _, s := range handlers {
		d.call(s, ev)
	}
}

func (d *dispatcher) call(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind())),
				zap.Any("panic", r),
			)
		}
	}()
	s.h(ev)
}
