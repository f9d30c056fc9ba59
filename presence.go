package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TypingTimeout is how long a typing indicator survives without news, both
// for remote users and for the local debounce.
const TypingTimeout = 3 * time.Second

// ============================================================================
// Remote typing and presence
// ============================================================================

// PresenceTracker holds per-room typing sets and online counts.
type PresenceTracker struct {
	clock   Clock
	timeout time.Duration

	mu       sync.Mutex
	selfID   string
	typing   map[string]map[string]time.Time // room -> user -> expiry
	presence map[string]PresenceState
}

// NewPresenceTracker creates a tracker. A nil clock uses wall time.
func NewPresenceTracker(clock Clock) *PresenceTracker {
	return &PresenceTracker{
		clock:    clockOrSystem(clock),
		timeout:  TypingTimeout,
		typing:   make(map[string]map[string]time.Time),
		presence: make(map[string]PresenceState),
	}
}

// SetSelf sets the local user; their own echoed typing events are ignored.
func (p *PresenceTracker) SetSelf(userID string) {
	p.mu.Lock()
	p.selfID = userID
	p.mu.Unlock()
}

// ApplyTyping records a user_typing event. It reports whether the room's
// visible typing set changed.
func (p *PresenceTracker) ApplyTyping(roomID, userID string, isTyping bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if userID == "" || userID == p.selfID {
		return false
	}
	now := p.clock.Now()
	users := p.typing[roomID]

	if !isTyping {
		exp, ok := users[userID]
		if !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, roomID)
		}
		return exp.After(now)
	}

	if users == nil {
		users = make(map[string]time.Time)
		p.typing[roomID] = users
	}
	exp, ok := users[userID]
	users[userID] = now.Add(p.timeout)
	return !ok || !exp.After(now)
}

// Typing returns the users currently typing in roomID, sorted. Entries past
// their expiry are left out even before Sweep drops them.
func (p *PresenceTracker) Typing(roomID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var out []string
	for id, exp := range p.typing[roomID] {
		if exp.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep drops expired typing entries and returns the rooms whose set
// changed. It stands in for a missed "stopped typing" event.
func (p *PresenceTracker) Sweep() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var changed []string
	for room, users := range p.typing {
		n := len(users)
		for id, exp := range users {
			if !exp.After(now) {
				delete(users, id)
			}
		}
		if len(users) != n {
			changed = append(changed, room)
		}
		if len(users) == 0 {
			delete(p.typing, room)
		}
	}
	sort.Strings(changed)
	return changed
}

// NextExpiry returns the earliest pending typing expiry, if any.
func (p *PresenceTracker) NextExpiry() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var next time.Time
	for _, users := range p.typing {
		for _, exp := range users {
			if next.IsZero() || exp.Before(next) {
				next = exp
			}
		}
	}
	return next, !next.IsZero()
}

// ClearRoom forgets typing state for a room the UI no longer shows.
func (p *PresenceTracker) ClearRoom(roomID string) {
	p.mu.Lock()
	delete(p.typing, roomID)
	p.mu.Unlock()
}

// SetOnlineCount overwrites a room's presence. Counts are never derived
// from join/leave deltas.
func (p *PresenceTracker) SetOnlineCount(roomID string, count int, members []string) PresenceState {
	st := PresenceState{
		RoomID:      roomID,
		OnlineCount: count,
		UpdatedAt:   p.clock.Now(),
	}
	if members != nil {
		st.Members = append([]string(nil), members...)
		sort.Strings(st.Members)
	}
	p.mu.Lock()
	p.presence[roomID] = st
	p.mu.Unlock()
	return st
}

// Presence returns the last presence reported for roomID.
func (p *PresenceTracker) Presence(roomID string) (PresenceState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.presence[roomID]
	if ok {
		st.Members = append([]string(nil), st.Members...)
	}
	return st, ok
}

// ============================================================================
// Local typing emission
// ============================================================================

// TypingSender emits the local typing state for a room or direct chat.
type TypingSender func(ctx context.Context, target string, isTyping bool) error

// keepAliveEvery spaces repeated typing:start frames while the user keeps
// typing, so remote expiry does not hide an active typist.
const keepAliveEvery = 2 * time.Second

type localTyping struct {
	typing    bool
	timer     Timer
	keepAlive *rate.Limiter
	gen       uint64
}

// TypingEmitter turns input-box changes into typing:start / typing:stop
// commands with a TypingTimeout inactivity debounce.
type TypingEmitter struct {
	send    TypingSender
	clock   Clock
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	rooms map[string]*localTyping
}

// NewTypingEmitter creates an emitter that reports through send.
func NewTypingEmitter(send TypingSender, clock Clock, logger *zap.Logger) *TypingEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingEmitter{
		send:    send,
		clock:   clockOrSystem(clock),
		logger:  logger.Named("typing"),
		timeout: TypingTimeout,
		rooms:   make(map[string]*localTyping),
	}
}

// InputChanged reports the current input text for target.
func (te *TypingEmitter) InputChanged(target, text string) {
	if text == "" {
		te.Stop(target)
		return
	}

	te.mu.Lock()
	st := te.rooms[target]
	if st == nil {
		st = &localTyping{keepAlive: rate.NewLimiter(rate.Every(keepAliveEvery), 1)}
		te.rooms[target] = st
	}
	now := te.clock.Now()
	start := !st.typing
	if start {
		st.typing = true
		// Consume the token so the keep-alive waits a full interval.
		st.keepAlive.AllowN(now, 1)
	} else {
		start = st.keepAlive.AllowN(now, 1)
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = te.clock.AfterFunc(te.timeout, func() { te.expire(target, gen) })
	te.mu.Unlock()

	if start {
		te.emit(target, true)
	}
}

// Stop emits typing:stop immediately if the user was typing.
func (te *TypingEmitter) Stop(target string) {
	te.mu.Lock()
	st := te.rooms[target]
	if st == nil || !st.typing {
		te.mu.Unlock()
		return
	}
	st.typing = false
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	te.mu.Unlock()
	te.emit(target, false)
}

// Reset forgets target, emitting typing:stop first if needed. Used when a
// screen unmounts.
func (te *TypingEmitter) Reset(target string) {
	te.Stop(target)
	te.mu.Lock()
	delete(te.rooms, target)
	te.mu.Unlock()
}

// IsTyping reports the local typing state for target.
func (te *TypingEmitter) IsTyping(target string) bool {
	te.mu.Lock()
	defer te.mu.Unlock()
	st := te.rooms[target]
	return st != nil && st.typing
}

func (te *TypingEmitter) expire(target string, gen uint64) {
	te.mu.Lock()
	st := te.rooms[target]
	if st == nil || !st.typing || st.gen != gen {
		te.mu.Unlock()
		return
	}
	st.typing = false
	st.timer = nil
	te.mu.Unlock()
	te.emit(target, false)
}

func (te *TypingEmitter) emit(target string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := te.send(ctx, target, isTyping); err != nil {
		te.logger.Debug("typing not sent",
			zap.String("target", target),
			zap.Bool("is_typing", isTyping),
			zap.Error(err),
		)
	}
}
