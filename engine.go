package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Message writers
// ============================================================================

// MessageWriter performs the durable write behind an optimistic send. A nil
// message with a nil error means the canonical copy will arrive as a push.
type MessageWriter interface {
	WriteMessage(ctx context.Context, entry OptimisticEntry, kind ConversationType) (*Message, error)
}

type restWriter struct{ client *Client }

// NewRESTWriter writes messages with a POST and confirms from the response.
func NewRESTWriter(client *Client) MessageWriter { return restWriter{client: client} }

func (w restWriter) WriteMessage(ctx context.Context, e OptimisticEntry, kind ConversationType) (*Message, error) {
	return w.client.SendMessage(ctx, e.ConversationID, kind, e.Content, e.ClientRef)
}

type socketWriter struct{ conn *ConnectionManager }

// NewSocketWriter writes messages over the realtime connection. The entry
// stays pending until the new_message push retires it.
func NewSocketWriter(conn *ConnectionManager) MessageWriter { return socketWriter{conn: conn} }

func (w socketWriter) WriteMessage(ctx context.Context, e OptimisticEntry, _ ConversationType) (*Message, error) {
	return nil, w.conn.SendMessage(ctx, e.ConversationID, e.Content, KindText, e.ClientRef)
}

// ============================================================================
// Configuration
// ============================================================================

// EngineConfig configures an Engine. Only BaseURL and Token are required.
type EngineConfig struct {
	BaseURL string
	Token   string
	UserID  string

	Realtime RealtimeConfig
	// Client overrides the REST client built from BaseURL and Token.
	Client *Client
	// Writer overrides the durable write path. SocketSend picks the socket
	// writer when Writer is nil.
	Writer     MessageWriter
	SocketSend bool

	MatchWindow   time.Duration
	CacheTTL      time.Duration
	SweepInterval time.Duration
	Rules         []InvalidationRule

	Clock   Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *EngineConfig) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Clock = clockOrSystem(c.Clock)
	if c.SweepInterval == 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
	if c.Realtime.BaseURL == "" {
		c.Realtime.BaseURL = c.BaseURL
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
	if c.Rules == nil {
		c.Rules = DefaultInvalidationRules()
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine wires the connection, registry, reconciler, presence tracker,
// invalidation coordinator and conversation list together.
type Engine struct {
	cfg    EngineConfig
	logger *zap.Logger

	conn         *ConnectionManager
	registry     *Registry
	reconciler   *Reconciler
	presence     *PresenceTracker
	typing       *TypingEmitter
	invalidation *InvalidationCoordinator
	list         *ConversationList
	client       *Client
	writer       MessageWriter

	timelineObs observers[[]TimelineItem]
	typingObs   observers[[]string]
	presenceObs observers[PresenceState]

	subs []*Subscription

	mu      sync.Mutex
	kinds   map[string]ConversationType
	peers   map[string]string
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewEngine builds an Engine. It does not connect until Start.
func NewEngine(cfg EngineConfig) *Engine {
	cfg.defaults()
	logger := cfg.Logger.Named("engine")

	client := cfg.Client
	if client == nil {
		client = NewClient(cfg.Token,
			WithBaseURL(cfg.BaseURL),
			WithCache(NewRequestCache(cfg.CacheTTL, cfg.Clock)),
			WithLogger(cfg.Logger),
		)
	}
	conn := NewConnectionManager(cfg.Realtime)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		registry:   NewRegistry(conn, cfg.Logger),
		reconciler: NewReconciler(ReconcilerOptions{SelfID: cfg.UserID, MatchWindow: cfg.MatchWindow, Clock: cfg.Clock, Logger: cfg.Logger, Metrics: cfg.Metrics}),
		presence:   NewPresenceTracker(cfg.Clock),
		list:       NewConversationList(cfg.Clock, cfg.Logger),
		client:     client,
		kinds:      make(map[string]ConversationType),
		peers:      make(map[string]string),
	}
	e.presence.SetSelf(cfg.UserID)
	e.list.SetSelf(cfg.UserID)
	e.typing = NewTypingEmitter(e.sendTyping, cfg.Clock, cfg.Logger)
	e.invalidation = NewInvalidationCoordinator(client, cfg.Logger, cfg.Metrics)
	for _, r := range cfg.Rules {
		e.invalidation.Register(r)
	}

	switch {
	case cfg.Writer != nil:
		e.writer = cfg.Writer
	case cfg.SocketSend:
		e.writer = NewSocketWriter(conn)
	default:
		e.writer = NewRESTWriter(client)
	}

	e.subs = []*Subscription{
		conn.On(KindAuthenticated, func(ev Event) { e.onAuthenticated(ev.(AuthenticatedEvent)) }),
		conn.OnNewMessage(e.onNewMessage),
		conn.On(KindMessageDeleted, e.onMessageUpdate),
		conn.On(KindMessageReaction, e.onMessageUpdate),
		conn.On(KindMessageRead, e.onMessageUpdate),
		conn.OnUserTyping(e.onUserTyping),
		conn.OnRoomUpdate(e.onRoomUpdate),
		conn.OnNewRoom(e.onNewRoom),
		conn.OnDomain(e.onDomain),
		conn.OnError(func(ev ErrorEvent) { e.logger.Warn("server error", zap.String("message", ev.Message)) }),
	}
	return e
}

// Start connects and begins expiring stale typing indicators.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.started = true
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.sweepLoop(e.stop, e.done)
	}
	e.mu.Unlock()

	return e.conn.Connect(ctx, Identity{UserID: e.cfg.UserID, Token: e.cfg.Token})
}

// Close disconnects and detaches every engine handler.
func (e *Engine) Close() error {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.started = false
	e.stop, e.done = nil, nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, s := range e.subs {
		s.Off()
	}
	e.registry.Close()
	return e.conn.Disconnect()
}

// Connection returns the shared realtime connection.
func (e *Engine) Connection() *ConnectionManager { return e.conn }

// Registry returns the room interest registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Reconciler returns the timeline owner.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// Client returns the REST client.
func (e *Engine) Client() *Client { return e.client }

// Invalidation returns the cache invalidation coordinator.
func (e *Engine) Invalidation() *InvalidationCoordinator { return e.invalidation }

// List returns the conversation list aggregator.
func (e *Engine) List() *ConversationList { return e.list }

// Timeline returns the current timeline of a conversation.
func (e *Engine) Timeline(convID string) []TimelineItem { return e.reconciler.Timeline(convID) }

// Conversations returns the sorted conversation list.
func (e *Engine) Conversations() []ConversationListEntry { return e.list.Entries() }

// Presence returns the last reported presence of a room.
func (e *Engine) Presence(roomID string) (PresenceState, bool) { return e.presence.Presence(roomID) }

// Typing returns who is typing in a room right now.
func (e *Engine) Typing(roomID string) []string { return e.presence.Typing(roomID) }

// LoadConversations seeds the list with direct conversations and forum
// rooms from REST.
func (e *Engine) LoadConversations(ctx context.Context) error {
	entries, err := e.client.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	rooms, err := e.client.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	e.list.Seed(entries)
	for _, r := range rooms {
		e.setKind(r.ID, ConversationRoom)
		e.list.AddRoom(r)
	}
	for _, c := range entries {
		e.setKind(c.ConversationID, c.Type)
	}
	return nil
}

// OnInvalidate registers fn to learn which REST prefixes went stale.
func (e *Engine) OnInvalidate(fn func(Invalidation)) func() {
	return e.invalidation.Subscribe(fn)
}

// OnListChange registers fn to receive the list after every change.
func (e *Engine) OnListChange(fn func([]ConversationListEntry)) func() {
	return e.list.Subscribe(fn)
}

func (e *Engine) setKind(convID string, kind ConversationType) {
	if kind == "" {
		return
	}
	e.mu.Lock()
	e.kinds[convID] = kind
	e.mu.Unlock()
}

func (e *Engine) kindOf(convID string) ConversationType {
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.kinds[convID]; ok {
		return k
	}
	return ConversationDirect
}

// ============================================================================
// Sending
// ============================================================================

// Send stages an optimistic entry and performs the durable write. On
// failure the entry is marked failed and a *SendFailure carrying the draft
// is returned alongside the temporary ID.
func (e *Engine) Send(ctx context.Context, convID, content string) (string, error) {
	tempID := e.reconciler.SendOptimistic(convID, content)
	e.notifyTimeline(convID)
	entry, _ := e.reconciler.Optimistic(tempID)
	return tempID, e.deliver(ctx, entry)
}

// Retry re-sends a failed optimistic entry.
func (e *Engine) Retry(ctx context.Context, tempID string) error {
	entry, err := e.reconciler.RetrySend(tempID)
	if err != nil {
		return err
	}
	e.notifyTimeline(entry.ConversationID)
	return e.deliver(ctx, entry)
}

// Discard drops an optimistic entry the user gave up on.
func (e *Engine) Discard(tempID string) bool {
	entry, ok := e.reconciler.Optimistic(tempID)
	if !ok {
		return false
	}
	e.reconciler.DiscardOptimistic(tempID)
	e.notifyTimeline(entry.ConversationID)
	return true
}

func (e *Engine) deliver(ctx context.Context, entry OptimisticEntry) error {
	msg, err := e.writer.WriteMessage(ctx, entry, e.kindOf(entry.ConversationID))
	if err != nil {
		e.reconciler.FailSend(entry.TempID)
		e.notifyTimeline(entry.ConversationID)
		e.logger.Info("send failed",
			zap.String("temp_id", entry.TempID),
			zap.String("conversation_id", entry.ConversationID),
			zap.Error(err),
		)
		return &SendFailure{
			TempID:         entry.TempID,
			ConversationID: entry.ConversationID,
			Draft:          entry.Content,
			Err:            err,
		}
	}
	if msg == nil {
		return nil
	}
	res := e.reconciler.ConfirmSend(entry.TempID, *msg)
	if res.Inserted && res.Message != nil {
		e.list.ApplyMessage(*res.Message)
	}
	e.notifyTimeline(res.ConversationID)
	return nil
}

// ============================================================================
// Push handlers
// ============================================================================

func (e *Engine) onAuthenticated(ev AuthenticatedEvent) {
	if ev.UserID == "" {
		return
	}
	e.reconciler.SetSelf(ev.UserID)
	e.presence.SetSelf(ev.UserID)
	e.list.SetSelf(ev.UserID)
}

func (e *Engine) onNewMessage(ev NewMessageEvent) {
	res := e.reconciler.ApplyPush(ev)
	if !res.Changed() {
		return
	}
	if res.Inserted && res.Message != nil {
		e.list.ApplyMessage(*res.Message)
		payload, err := json.Marshal(res.Message)
		if err != nil {
			e.logger.Warn("encode message for invalidation", zap.Error(err))
		}
		e.invalidation.OnPushEvent(KindNewMessage, payload)
	}
	e.notifyTimeline(res.ConversationID)
}

func (e *Engine) onMessageUpdate(ev Event) {
	res := e.reconciler.ApplyPush(ev)
	if del, ok := ev.(MessageDeletedEvent); ok {
		e.list.MarkDeleted(del.MessageID)
	}
	if res.Changed() {
		e.notifyTimeline(res.ConversationID)
	}
}

func (e *Engine) onUserTyping(ev UserTypingEvent) {
	if e.presence.ApplyTyping(ev.RoomID, ev.UserID, ev.IsTyping) {
		e.typingObs.notify(ev.RoomID, e.presence.Typing(ev.RoomID))
	}
}

func (e *Engine) onRoomUpdate(ev RoomUpdateEvent) {
	if ev.Subtype != RoomUpdateOnlineCount {
		e.logger.Debug("ignoring room update", zap.String("room_id", ev.RoomID), zap.String("subtype", ev.Subtype))
		return
	}
	st := e.presence.SetOnlineCount(ev.RoomID, ev.Count, ev.Members)
	e.list.ApplyOnlineCount(ev.RoomID, ev.Count)
	e.presenceObs.notify(ev.RoomID, st)
}

func (e *Engine) onNewRoom(ev NewRoomEvent) {
	e.setKind(ev.Room.ID, ConversationRoom)
	e.list.AddRoom(ev.Room)
	payload, _ := json.Marshal(ev.Room)
	e.invalidation.OnPushEvent(KindNewRoom, payload)
}

func (e *Engine) onDomain(ev DomainEvent) {
	e.invalidation.OnPushEvent(ev.Name, ev.Payload)
}

// ============================================================================
// Typing
// ============================================================================

func (e *Engine) sendTyping(ctx context.Context, convID string, isTyping bool) error {
	e.mu.Lock()
	peer := e.peers[convID]
	e.mu.Unlock()
	if e.kindOf(convID) == ConversationRoom {
		return e.conn.Typing(ctx, convID, false, isTyping)
	}
	if peer == "" {
		peer = convID
	}
	return e.conn.Typing(ctx, peer, true, isTyping)
}

func (e *Engine) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.sweepTyping()
		}
	}
}

// sweepTyping expires typing indicators whose stop event never arrived.
func (e *Engine) sweepTyping() {
	for _, room := range e.presence.Sweep() {
		e.typingObs.notify(room, e.presence.Typing(room))
	}
}

// ============================================================================
// Observers
// ============================================================================

func (e *Engine) notifyTimeline(convID string) {
	if convID == "" || !e.timelineObs.has(convID) {
		return
	}
	e.timelineObs.notify(convID, e.reconciler.Timeline(convID))
}

// observers is a keyed set of callbacks. Callbacks run on the caller's
// goroutine after the set's lock is released.
type observers[T any] struct {
	mu    sync.Mutex
	next  uint64
	byKey map[string]map[uint64]func(T)
}

func (o *observers[T]) add(key string, fn func(T)) func() {
	o.mu.Lock()
	if o.byKey == nil {
		o.byKey = make(map[string]map[uint64]func(T))
	}
	o.next++
	id := o.next
	if o.byKey[key] == nil {
		o.byKey[key] = make(map[uint64]func(T))
	}
	o.byKey[key][id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.byKey[key], id)
			if len(o.byKey[key]) == 0 {
				delete(o.byKey, key)
			}
			o.mu.Unlock()
		})
	}
}

func (o *observers[T]) has(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byKey[key]) > 0
}

func (o *observers[T]) notify(key string, v T) {
	o.mu.Lock()
	ids := make([]uint64, 0, len(o.byKey[key]))
	for id := range o.byKey[key] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.byKey[key][id])
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// ============================================================================
// Conversation views
// ============================================================================

// ConversationView is one screen's hold on a conversation. Close it when
// the screen goes away.
type ConversationView struct {
	e      *Engine
	convID string
	kind   ConversationType

	mu     sync.Mutex
	detach []func()
	closed bool
}

// Open joins the conversation's room, marks it open in the list, loads
// history over REST and seeds the timeline.
func (e *Engine) Open(ctx context.Context, convID string, kind ConversationType) (*ConversationView, error) {
	if kind == "" {
		kind = ConversationDirect
	}
	e.setKind(convID, kind)
	e.registry.Join(ctx, convID)
	e.list.Open(convID)

	v := &ConversationView{e: e, convID: convID, kind: kind}
	history, err := e.client.History(ctx, convID, kind, nil)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("load history for %s: %w", convID, err)
	}
	added := e.reconciler.LoadHistory(convID, history)
	retired := e.reconciler.Reconcile(convID)
	e.logger.Debug("conversation opened",
		zap.String("conversation_id", convID),
		zap.Int("history", added),
		zap.Int("reconciled", len(retired)),
	)
	e.notifyTimeline(convID)
	return v, nil
}

// ConversationID returns the conversation the view shows.
func (v *ConversationView) ConversationID() string { return v.convID }

// Timeline returns the view's current timeline.
func (v *ConversationView) Timeline() []TimelineItem { return v.e.reconciler.Timeline(v.convID) }

func (v *ConversationView) track(off func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		off()
		return
	}
	v.detach = append(v.detach, off)
}

// OnChange registers fn to receive the timeline after every change.
func (v *ConversationView) OnChange(fn func([]TimelineItem)) {
	v.track(v.e.timelineObs.add(v.convID, fn))
}

// OnTyping registers fn to receive the set of remote typists.
func (v *ConversationView) OnTyping(fn func([]string)) {
	v.track(v.e.typingObs.add(v.convID, fn))
}

// OnPresence registers fn to receive presence overwrites for the room.
func (v *ConversationView) OnPresence(fn func(PresenceState)) {
	v.track(v.e.presenceObs.add(v.convID, fn))
}

// SetPeer names the other participant of a direct conversation; typing
// commands are addressed to them.
func (v *ConversationView) SetPeer(userID string) {
	v.e.mu.Lock()
	v.e.peers[v.convID] = userID
	v.e.mu.Unlock()
}

// InputChanged reports the input box text for local typing emission.
func (v *ConversationView) InputChanged(text string) {
	v.e.typing.InputChanged(v.convID, text)
}

// Send sends content. The write is detached from ctx cancellation so that
// closing the view does not abort it.
func (v *ConversationView) Send(ctx context.Context, content string) (string, error) {
	v.e.typing.Stop(v.convID)
	return v.e.Send(context.WithoutCancel(ctx), v.convID, content)
}

// Typing returns who is typing in the conversation.
func (v *ConversationView) Typing() []string { return v.e.presence.Typing(v.convID) }

// Presence returns the room's last reported presence.
func (v *ConversationView) Presence() (PresenceState, bool) { return v.e.presence.Presence(v.convID) }

// Close leaves the room, detaches the view's callbacks and stops local
// typing. In-flight sends complete on their own.
func (v *ConversationView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	detach := v.detach
	v.detach = nil
	v.mu.Unlock()

	for _, off := range detach {
		off()
	}
	v.e.typing.Reset(v.convID)
	v.e.list.Close(v.convID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v.e.registry.Leave(ctx, v.convID)
}
