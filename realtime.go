package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the ConnectionManager.
type RealtimeConfig struct {
	BaseURL              string
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// stableAfter is how long a connection must stay up before the backoff
// attempt counter starts over.
const stableAfter = 60 * time.Second

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the wait before the next attempt and the attempt number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single app-wide WebSocket connection. Create
// one per session with NewConnectionManager and share it; only the manager
// opens and closes the socket.
type ConnectionManager struct {
	config     *RealtimeConfig
	logger     *zap.Logger
	metrics    *Metrics
	dispatcher *dispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	identity         Identity
	intentionalClose bool
	session          context.Context
	cancelSession    context.CancelFunc
	generation       uint64

	pendingMu    sync.Mutex
	pingCounter  uint64
	pendingPings map[string]chan PongEvent
}

// NewConnectionManager creates a disconnected manager.
func NewConnectionManager(config RealtimeConfig) *ConnectionManager {
	cfg := config
	cfg.defaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ConnectionManager{
		config:       &cfg,
		logger:       cfg.Logger.Named("realtime"),
		metrics:      cfg.Metrics,
		dispatcher:   newDispatcher(cfg.Logger.Named("dispatch")),
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongEvent),
	}
}

// On registers a handler for one event kind.
func (cm *ConnectionManager) On(kind EventKind, h Handler) *Subscription {
	return cm.dispatcher.add(kind, h)
}

// Off detaches a handler registered with On or one of the typed helpers.
func (cm *ConnectionManager) Off(s *Subscription) {
	s.Off()
}

// OnDomain registers a handler for every event kind the engine does not
// interpret itself (event_update, budget_update, ...).
func (cm *ConnectionManager) OnDomain(h func(DomainEvent)) *Subscription {
	return cm.dispatcher.addDomain(func(ev Event) {
		if de, ok := ev.(DomainEvent); ok {
			h(de)
		}
	})
}

// OnNewMessage registers a handler for new_message.
func (cm *ConnectionManager) OnNewMessage(h func(NewMessageEvent)) *Subscription {
	return cm.On(KindNewMessage, func(ev Event) { h(ev.(NewMessageEvent)) })
}

// OnUserTyping registers a handler for user_typing.
func (cm *ConnectionManager) OnUserTyping(h func(UserTypingEvent)) *Subscription {
	return cm.On(KindUserTyping, func(ev Event) { h(ev.(UserTypingEvent)) })
}

// OnRoomUpdate registers a handler for room_update.
func (cm *ConnectionManager) OnRoomUpdate(h func(RoomUpdateEvent)) *Subscription {
	return cm.On(KindRoomUpdate, func(ev Event) { h(ev.(RoomUpdateEvent)) })
}

// OnNewRoom registers a handler for new_room.
func (cm *ConnectionManager) OnNewRoom(h func(NewRoomEvent)) *Subscription {
	return cm.On(KindNewRoom, func(ev Event) { h(ev.(NewRoomEvent)) })
}

// OnError registers a handler for server-side errors.
func (cm *ConnectionManager) OnError(h func(ErrorEvent)) *Subscription {
	return cm.On(KindError, func(ev Event) { h(ev.(ErrorEvent)) })
}

// OnConnected fires after every successful connect or reconnect.
func (cm *ConnectionManager) OnConnected(h func(ConnectedEvent)) *Subscription {
	return cm.On(KindConnected, func(ev Event) { h(ev.(ConnectedEvent)) })
}

// OnDisconnected fires when the socket goes away, intentionally or not.
func (cm *ConnectionManager) OnDisconnected(h func(DisconnectedEvent)) *Subscription {
	return cm.On(KindDisconnected, func(ev Event) { h(ev.(DisconnectedEvent)) })
}

// OnReconnecting fires before each reconnect attempt.
func (cm *ConnectionManager) OnReconnecting(h func(ReconnectingEvent)) *Subscription {
	return cm.On(KindReconnecting, func(ev Event) { h(ev.(ReconnectingEvent)) })
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether commands can currently be sent.
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Identity returns the identity of the last Connect call.
func (cm *ConnectionManager) Identity() Identity {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.identity
}

// Connect establishes the connection. Calling it while connected,
// connecting or reconnecting is a no-op. A failed connect is returned as a
// *TransportError and leaves the manager disconnected.
func (cm *ConnectionManager) Connect(ctx context.Context, id Identity) error {
	cm.mu.Lock()
	if cm.state != StateDisconnected {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.identity = id
	cm.intentionalClose = false
	if cm.session == nil {
		cm.session, cm.cancelSession = context.WithCancel(context.Background())
	}
	cm.mu.Unlock()

	if err := cm.dial(ctx); err != nil {
		cm.setState(StateDisconnected)
		return err
	}
	cm.recon.reset()
	cm.recon.markConnected()
	return nil
}

func (cm *ConnectionManager) wsURL(token string) string {
	base := strings.Replace(cm.config.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token == "" {
		return base + "/ws"
	}
	return base + "/ws?token=" + url.QueryEscape(token)
}

// dial opens the socket, waits for the authenticated envelope and starts
// the read and heartbeat loops.
func (cm *ConnectionManager) dial(ctx context.Context) error {
	cm.mu.Lock()
	id := cm.identity
	session := cm.session
	cm.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, cm.wsURL(id.Token), &websocket.DialOptions{
		HTTPClient: cm.config.HTTPClient,
	})
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(cm.config.ReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return &TransportError{Op: "read auth", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != string(KindAuthenticated) {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		return &TransportError{Op: "auth", Err: fmt.Errorf("expected %q, got %q", KindAuthenticated, env.Type)}
	}
	auth, err := DecodeEvent(env)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "bad authenticated payload")
		return &TransportError{Op: "auth", Err: err}
	}

	cm.mu.Lock()
	if cm.intentionalClose {
		cm.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &TransportError{Op: "dial", Err: context.Canceled}
	}
	cm.conn = conn
	cm.state = StateConnected
	cm.generation++
	gen := cm.generation
	if a := auth.(AuthenticatedEvent); a.UserID != "" {
		cm.identity.UserID = a.UserID
	}
	userID := cm.identity.UserID
	cm.mu.Unlock()

	cm.metrics.setConnected(true)
	cm.logger.Info("connected", zap.String("user_id", userID))

	cm.dispatcher.dispatch(auth)
	cm.dispatcher.dispatch(ConnectedEvent{UserID: userID})

	connCtx, cancel := context.WithCancel(session)
	go cm.readLoop(connCtx, cancel, conn, gen)
	go cm.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	cm.intentionalClose = true
	if cm.cancelSession != nil {
		cm.cancelSession()
		cm.cancelSession = nil
		cm.session = nil
	}
	conn := cm.conn
	cm.conn = nil
	wasConnected := cm.state != StateDisconnected
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.clearPendingPings()
	cm.metrics.setConnected(false)

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		cm.dispatcher.dispatch(DisconnectedEvent{Code: int(websocket.StatusNormalClosure), Reason: "client disconnect"})
	}
	return err
}

// ============================================================================
// Commands
// ============================================================================

// Emit sends a command. It fails fast with ErrNotConnected while the
// transport is down.
func (cm *ConnectionManager) Emit(ctx context.Context, cmd *Command) error {
	cm.mu.Lock()
	conn := cm.conn
	state := cm.state
	cm.mu.Unlock()

	if conn == nil || state != StateConnected {
		return &TransportError{Op: "emit " + cmd.Type, Err: ErrNotConnected}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "emit " + cmd.Type, Err: err}
	}
	return nil
}

// JoinRoom asks the server to deliver events for roomID.
func (cm *ConnectionManager) JoinRoom(ctx context.Context, roomID string) error {
	return cm.Emit(ctx, &Command{Type: CmdJoinRoom, Payload: map[string]string{"roomId": roomID}})
}

// LeaveRoom stops event delivery for roomID.
func (cm *ConnectionManager) LeaveRoom(ctx context.Context, roomID string) error {
	return cm.Emit(ctx, &Command{Type: CmdLeaveRoom, Payload: map[string]string{"roomId": roomID}})
}

// SendMessage posts a message over the socket. The canonical message comes
// back as a new_message push.
func (cm *ConnectionManager) SendMessage(ctx context.Context, roomID, content string, kind MessageKind, clientRef string) error {
	if kind == "" {
		kind = KindText
	}
	payload := map[string]string{
		"roomId":  roomID,
		"content": content,
		"type":    string(kind),
	}
	if clientRef != "" {
		payload["clientRef"] = clientRef
	}
	return cm.Emit(ctx, &Command{Type: CmdSendMessage, Payload: payload, RequestID: cm.nextRequestID("msg")})
}

// Typing reports the local user's typing state. direct selects the
// recipientId addressing used by personal chats.
func (cm *ConnectionManager) Typing(ctx context.Context, target string, direct, isTyping bool) error {
	payload := map[string]any{"isTyping": isTyping}
	if direct {
		payload["recipientId"] = target
	} else {
		payload["roomId"] = target
	}
	return cm.Emit(ctx, &Command{Type: CmdTyping, Payload: payload})
}

// AddReaction reacts to a message.
func (cm *ConnectionManager) AddReaction(ctx context.Context, messageID, emoji string) error {
	return cm.Emit(ctx, &Command{
		Type:    CmdAddReaction,
		Payload: map[string]string{"messageId": messageID, "emoji": emoji},
	})
}

func (cm *ConnectionManager) nextRequestID(prefix string) string {
	cm.pendingMu.Lock()
	defer cm.pendingMu.Unlock()
	cm.pingCounter++
	return fmt.Sprintf("%s-%d", prefix, cm.pingCounter)
}

// Ping sends a ping and waits for the matching pong.
func (cm *ConnectionManager) Ping(ctx context.Context) (*PongEvent, error) {
	requestID := cm.nextRequestID("ping")

	ch := make(chan PongEvent, 1)
	cm.pendingMu.Lock()
	cm.pendingPings[requestID] = ch
	cm.pendingMu.Unlock()

	forget := func() {
		cm.pendingMu.Lock()
		delete(cm.pendingPings, requestID)
		cm.pendingMu.Unlock()
	}

	err := cm.Emit(ctx, &Command{
		Type:      CmdPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(cm.config.PongTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, &TransportError{Op: "ping", Err: ErrNotConnected}
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, &TransportError{Op: "ping", Err: fmt.Errorf("pong timeout")}
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ============================================================================
// Loops
// ============================================================================

func (cm *ConnectionManager) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, gen uint64) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cm.handleReadError(ctx, conn, gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			cm.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			cm.logger.Warn("dropping undecodable event", zap.String("type", env.Type), zap.Error(err))
			continue
		}
		cm.metrics.incPushEvent(ev.Kind())

		if pong, ok := ev.(PongEvent); ok && pong.RequestID != "" {
			cm.pendingMu.Lock()
			ch, found := cm.pendingPings[pong.RequestID]
			if found {
				delete(cm.pendingPings, pong.RequestID)
			}
			cm.pendingMu.Unlock()
			if found {
				ch <- pong
			}
		}

		cm.dispatcher.dispatch(ev)
	}
}

func (cm *ConnectionManager) handleReadError(ctx context.Context, conn *websocket.Conn, gen uint64, err error) {
	cm.mu.Lock()
	if cm.intentionalClose || cm.generation != gen {
		cm.mu.Unlock()
		return
	}
	if cm.conn == conn {
		cm.conn = nil
	}
	cm.state = StateDisconnected
	session := cm.session
	cm.mu.Unlock()

	cm.clearPendingPings()
	cm.metrics.setConnected(false)

	code := int(websocket.CloseStatus(err))
	cm.logger.Warn("connection lost", zap.Int("code", code), zap.Error(err))
	cm.dispatcher.dispatch(DisconnectedEvent{Code: code, Reason: err.Error()})

	if cm.config.AutoReconnect && session != nil {
		cm.reconnectLoop(session)
	}
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cm.State() != StateConnected {
				return
			}
			if _, err := cm.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				cm.logger.Warn("heartbeat failed, closing", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop retries with capped exponential backoff until it succeeds,
// runs out of attempts, or the session ends.
func (cm *ConnectionManager) reconnectLoop(session context.Context) {
	for cm.recon.shouldReconnect() {
		// A concurrent Connect may have taken over since the drop.
		cm.mu.Lock()
		if cm.intentionalClose || cm.state == StateConnected || cm.state == StateConnecting {
			cm.mu.Unlock()
			return
		}
		cm.state = StateReconnecting
		cm.mu.Unlock()

		delay, attempt := cm.recon.nextDelay()
		cm.metrics.incReconnect()
		cm.dispatcher.dispatch(ReconnectingEvent{Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-session.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		cm.mu.Lock()
		if cm.intentionalClose || cm.state != StateReconnecting {
			cm.mu.Unlock()
			return
		}
		cm.state = StateConnecting
		cm.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(session, cm.config.ReconnectMaxDelay)
		err := cm.dial(dialCtx)
		cancel()
		if err == nil {
			cm.recon.markConnected()
			return
		}
		cm.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		cm.mu.Lock()
		if !cm.intentionalClose {
			cm.state = StateReconnecting
		}
		cm.mu.Unlock()
	}

	cm.setState(StateDisconnected)
	cm.logger.Error("giving up reconnecting", zap.Int("max_attempts", cm.config.MaxReconnectAttempts))
}

func (cm *ConnectionManager) setState(s ConnState) {
	cm.mu.Lock()
	cm.state = s
	cm.mu.Unlock()
}

func (cm *ConnectionManager) clearPendingPings() {
	cm.pendingMu.Lock()
	for k, ch := range cm.pendingPings {
		close(ch)
		delete(cm.pendingPings, k)
	}
	cm.pendingMu.Unlock()
}
