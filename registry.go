package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoomTransport is the part of the ConnectionManager the Registry drives.
type RoomTransport interface {
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	OnConnected(h func(ConnectedEvent)) *Subscription
}

// Registry tracks which rooms the client is interested in, independent of
// connection state. Interest is reference counted: only the first Join of a
// room sends joinRoom and only the last Leave sends leaveRoom.
type Registry struct {
	transport RoomTransport
	logger    *zap.Logger
	timeout   time.Duration

	mu   sync.Mutex
	refs map[string]int
	sub  *Subscription
}

// NewRegistry creates a Registry and hooks it to the transport's connected
// event so join intents are replayed after every (re)connect.
func NewRegistry(transport RoomTransport, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		transport: transport,
		logger:    logger.Named("registry"),
		timeout:   10 * time.Second,
		refs:      make(map[string]int),
	}
	r.sub = transport.OnConnected(func(ConnectedEvent) { r.replay() })
	return r
}

// Join records interest in roomID. The join command is sent only when this
// is the first interested consumer; a send failure is logged and the intent
// is kept for replay.
func (r *Registry) Join(ctx context.Context, roomID string) {
	r.mu.Lock()
	r.refs[roomID]++
	first := r.refs[roomID] == 1
	r.mu.Unlock()

	if !first {
		return
	}
	if err := r.transport.JoinRoom(ctx, roomID); err != nil {
		r.logger.Debug("join deferred until connected", zap.String("room_id", roomID), zap.Error(err))
	}
}

// Leave drops one unit of interest. leaveRoom is sent when none remain.
// Leaving a room that was never joined is a no-op.
func (r *Registry) Leave(ctx context.Context, roomID string) {
	r.mu.Lock()
	n, ok := r.refs[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(r.refs, roomID)
	} else {
		r.refs[roomID] = n - 1
	}
	r.mu.Unlock()

	if !last {
		return
	}
	if err := r.transport.LeaveRoom(ctx, roomID); err != nil {
		r.logger.Debug("leave not sent", zap.String("room_id", roomID), zap.Error(err))
	}
}

// ActiveRooms returns the rooms with at least one interested consumer.
func (r *Registry) ActiveRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.refs))
	for id := range r.refs {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// RefCount returns how many consumers hold roomID.
func (r *Registry) RefCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[roomID]
}

// Close detaches the registry from the transport.
func (r *Registry) Close() {
	r.sub.Off()
}

// replay re-issues joinRoom for every active room. The server forgets
// subscriptions across connection cycles.
func (r *Registry) replay() {
	rooms := r.ActiveRooms()
	if len(rooms) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for _, id := range rooms {
		if err := r.transport.JoinRoom(ctx, id); err != nil {
			r.logger.Warn("replay join failed", zap.String("room_id", id), zap.Error(err))
		}
	}
	r.logger.Info("replayed room joins", zap.Int("rooms", len(rooms)))
}
