package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, s *testServer, m *Metrics) *ConnectionManager {
	t.Helper()
	cm := NewConnectionManager(RealtimeConfig{
		BaseURL:            s.URL(),
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		Metrics:            m,
	})
	t.Cleanup(func() { cm.Disconnect() })
	return cm
}

func connect(t *testing.T, cm *ConnectionManager, token string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, cm.Connect(ctx, Identity{Token: token}))
}

func TestConnectionManager_ConnectAuthenticates(t *testing.T) {
	s := newTestServer(t, "u-42", nil)
	cm := newTestManager(t, s, nil)

	var authed AuthenticatedEvent
	var connected []ConnectedEvent
	cm.On(KindAuthenticated, func(ev Event) { authed = ev.(AuthenticatedEvent) })
	cm.OnConnected(func(ev ConnectedEvent) { connected = append(connected, ev) })

	connect(t, cm, "tok")
	assert.True(t, cm.IsConnected())
	assert.Equal(t, StateConnected, cm.State())
	assert.Equal(t, "u-42", cm.Identity().UserID)
	assert.Equal(t, "u-42", authed.UserID)
	assert.Equal(t, []ConnectedEvent{{UserID: "u-42"}}, connected)

	// Connecting again is a no-op.
	connect(t, cm, "tok")
	assert.Equal(t, 1, s.acceptCount())
}

func TestConnectionManager_DialFailure(t *testing.T) {
	s := newTestServer(t, "u1", nil)
	cm := newTestManager(t, s, nil)

	err := cm.Connect(context.Background(), Identity{Token: "bad"})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Op)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManager_EmitWhileDisconnected(t *testing.T) {
	cm := NewConnectionManager(RealtimeConfig{BaseURL: "http://127.0.0.1:1"})

	err := cm.JoinRoom(context.Background(), "r1")
	assert.True(t, errors.Is(err, ErrNotConnected))
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "emit joinRoom", te.Op)

	err = cm.SendMessage(context.Background(), "r1", "hi", KindText, "")
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestConnectionManager_CommandsOnTheWire(t *testing.T) {
	s := newTestServer(t, "u1", nil)
	cm := newTestManager(t, s, nil)
	connect(t, cm, "tok")
	ctx := context.Background()

	require.NoError(t, cm.JoinRoom(ctx, "r1"))
	assert.Equal(t, "r1", s.expect(CmdJoinRoom).field("roomId"))

	require.NoError(t, cm.SendMessage(ctx, "r1", "hello", "", "ref-1"))
	cmd := s.expect(CmdSendMessage)
	assert.Equal(t, "hello", cmd.field("content"))
	assert.Equal(t, "text", cmd.field("type"))
	assert.Equal(t, "ref-1", cmd.field("clientRef"))
	assert.NotEmpty(t, cmd.RequestID)

	require.NoError(t, cm.Typing(ctx, "u7", true, true))
	assert.Equal(t, "u7", s.expect(CmdTyping).field("recipientId"))
	require.NoError(t, cm.Typing(ctx, "r1", false, false))
	assert.Equal(t, "r1", s.expect(CmdTyping).field("roomId"))

	require.NoError(t, cm.AddReaction(ctx, "m1", "👍"))
	assert.Equal(t, "👍", s.expect(CmdAddReaction).field("emoji"))

	require.NoError(t, cm.LeaveRoom(ctx, "r1"))
	assert.Equal(t, "r1", s.expect(CmdLeaveRoom).field("roomId"))
}

func TestConnectionManager_PingPong(t *testing.T) {
	s := newTestServer(t, "u1", nil)
	cm := newTestManager(t, s, nil)
	connect(t, cm, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := cm.Ping(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pong.RequestID)
}

func TestConnectionManager_TypedDispatchAndMetrics(t *testing.T) {
	s := newTestServer(t, "u1", nil)
	m := NewMetrics(prometheus.NewRegistry())
	cm := newTestManager(t, s, m)

	got := make(chan NewMessageEvent, 2)
	cm.On(KindNewMessage, func(Event) { panic("handler bug") })
	cm.OnNewMessage(func(ev NewMessageEvent) { got <- ev })
	domain := make(chan DomainEvent, 1)
	cm.OnDomain(func(ev DomainEvent) { domain <- ev })

	connect(t, cm, "tok")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	s.push("newMessage", map[string]any{"message": msg("m1", "c1", "u2", "hi", t0)})
	s.push("event_update", map[string]string{"eventId": "e1"})

	select {
	case ev := <-got:
		assert.Equal(t, "m1", ev.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("new_message not dispatched")
	}
	select {
	case ev := <-domain:
		assert.Equal(t, KindEventUpdate, ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("domain event not dispatched")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushEvents.WithLabelValues(string(KindNewMessage))))

	s.push("vendor_update", map[string]string{"vendorId": "v1"})
	select {
	case ev := <-domain:
		assert.Equal(t, EventKind("vendor_update"), ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("domain event not dispatched")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pushEvents.WithLabelValues("domain")))
	assert.Zero(t, testutil.ToFloat64(m.pushEvents.WithLabelValues(string(KindEventUpdate))))
}

func TestConnectionManager_ReconnectReplaysJoinsOnce(t *testing.T) {
	s := newTestServer(t, "u1", nil)
	m := NewMetrics(nil)
	cm := newTestManager(t, s, m)
	reg := NewRegistry(cm, nil)

	var reconnecting atomic.Int32
	cm.OnReconnecting(func(ReconnectingEvent) { reconnecting.Add(1) })
	var mu sync.Mutex
	var disconnects []DisconnectedEvent
	cm.OnDisconnected(func(ev DisconnectedEvent) {
		mu.Lock()
		disconnects = append(disconnects, ev)
		mu.Unlock()
	})

	connect(t, cm, "tok")
	ctx := context.Background()
	reg.Join(ctx, "r1")
	reg.Join(ctx, "r2")
	reg.Join(ctx, "r2")
	s.expect(CmdJoinRoom)
	s.expect(CmdJoinRoom)

	s.dropAll()
	require.Eventually(t, func() bool {
		return s.acceptCount() == 2 && cm.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)

	var joins []string
	for _, cmd := range s.drain(200 * time.Millisecond) {
		if cmd.Type == CmdJoinRoom {
			joins = append(joins, cmd.field("roomId"))
		}
	}
	assert.ElementsMatch(t, []string{"r1", "r2"}, joins)
	assert.GreaterOrEqual(t, reconnecting.Load(), int32(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.reconnects), 1.0)

	mu.Lock()
	require.NotEmpty(t, disconnects)
	mu.Unlock()
}

func TestConnectionManager_ConnectDuringBackoffKeepsOneConnection(t *testing.T) {
	s := newTestServer(t, "u1", nil)
	cm := NewConnectionManager(RealtimeConfig{
		BaseURL:            s.URL(),
		AutoReconnect:      true,
		ReconnectBaseDelay: 200 * time.Millisecond,
		ReconnectMaxDelay:  time.Second,
	})
	t.Cleanup(func() { cm.Disconnect() })

	var connected atomic.Int32
	cm.OnConnected(func(ConnectedEvent) { connected.Add(1) })

	connect(t, cm, "tok")
	s.dropAll()
	require.Eventually(t, func() bool {
		return cm.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	connect(t, cm, "tok")
	require.Eventually(t, cm.IsConnected, 3*time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 2, s.acceptCount())
	assert.Equal(t, int32(2), connected.Load())
	assert.Equal(t, StateConnected, cm.State())
}

func TestConnectionManager_DisconnectStopsReconnect(t *testing.T) {
	s := newTestServer(t, "u1", nil)
	cm := newTestManager(t, s, nil)

	var disconnected atomic.Int32
	cm.OnDisconnected(func(DisconnectedEvent) { disconnected.Add(1) })

	connect(t, cm, "tok")
	require.NoError(t, cm.Disconnect())
	assert.Equal(t, StateDisconnected, cm.State())
	assert.Equal(t, int32(1), disconnected.Load())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, s.acceptCount())
	assert.Equal(t, StateDisconnected, cm.State())

	// A later Connect starts a fresh session.
	connect(t, cm, "tok")
	assert.Equal(t, 2, s.acceptCount())
}

func TestReconnector_BackoffCapped(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	})

	var last time.Duration
	for i := 1; i <= 10; i++ {
		require.True(t, r.shouldReconnect())
		d, attempt := r.nextDelay()
		assert.Equal(t, i, attempt)
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.GreaterOrEqual(t, d, last, "delay never shrinks before the cap")
		last = d
	}
	assert.Equal(t, 30*time.Second, last)
	assert.False(t, r.shouldReconnect())

	r.reset()
	d, attempt := r.nextDelay()
	assert.Equal(t, 1, attempt)
	assert.Less(t, d, 2*time.Second)
}
