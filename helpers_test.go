package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake clock
// ============================================================================

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	live := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			live = append(live, t)
		}
	}
	c.timers = live
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// ============================================================================
// Fake server
// ============================================================================

type recvCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

func (c recvCommand) field(name string) string {
	var m map[string]any
	_ = json.Unmarshal(c.Payload, &m)
	s, _ := m[name].(string)
	return s
}

// testServer speaks the push protocol on /ws and serves an optional REST
// handler under /api/.
type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	userID string
	cmds   chan recvCommand

	mu      sync.Mutex
	conns   []*websocket.Conn
	accepts int
}

func newTestServer(t *testing.T, userID string, rest http.Handler) *testServer {
	t.Helper()
	s := &testServer{t: t, userID: userID, cmds: make(chan recvCommand, 256)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if rest != nil {
		mux.Handle("/api/", rest)
	}
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.close)
	return s
}

func (s *testServer) URL() string { return s.srv.URL }

func (s *testServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "bad" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.accepts++
	s.mu.Unlock()

	ctx := context.Background()
	if err := writeEnvelope(ctx, c, "authenticated", map[string]string{"userId": s.userID, "username": "tester"}); err != nil {
		return
	}
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd recvCommand
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		if cmd.Type == CmdPing {
			_ = writeEnvelope(ctx, c, "pong", map[string]string{"requestId": cmd.RequestID})
			continue
		}
		s.cmds <- cmd
	}
}

func writeEnvelope(ctx context.Context, c *websocket.Conn, kind string, payload any) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: kind, Payload: p})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

// push sends an event on the most recent connection.
func (s *testServer) push(kind string, payload any) {
	s.t.Helper()
	s.mu.Lock()
	var c *websocket.Conn
	if len(s.conns) > 0 {
		c = s.conns[len(s.conns)-1]
	}
	s.mu.Unlock()
	if c == nil {
		s.t.Fatalf("push %s: no connection", kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := writeEnvelope(ctx, c, kind, payload); err != nil {
		s.t.Fatalf("push %s: %v", kind, err)
	}
}

// dropAll closes every live connection the way a server restart would.
func (s *testServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (s *testServer) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// expect waits for the next command of the given type, skipping others.
func (s *testServer) expect(typ string) recvCommand {
	s.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cmd := <-s.cmds:
			if cmd.Type == typ {
				return cmd
			}
		case <-deadline:
			s.t.Fatalf("no %s command received", typ)
			return recvCommand{}
		}
	}
}

// drain collects commands until none arrive for quiet.
func (s *testServer) drain(quiet time.Duration) []recvCommand {
	var out []recvCommand
	for {
		select {
		case cmd := <-s.cmds:
			out = append(out, cmd)
		case <-time.After(quiet):
			return out
		}
	}
}

func (s *testServer) close() {
	s.dropAll()
	s.srv.Close()
}

// ============================================================================
// REST helpers
// ============================================================================

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(apiResult{OK: true, Data: raw})
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResult{Error: &APIError{Code: code, Message: msg}})
}

func msg(id, conv, sender, content string, at time.Time) Message {
	return Message{ID: id, ConversationID: conv, SenderID: sender, Content: content, Kind: KindText, CreatedAt: at}
}

func ids(items []TimelineItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
