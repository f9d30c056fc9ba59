package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decode(t *testing.T, raw string) Event {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	ev, err := DecodeEvent(env)
	require.NoError(t, err)
	return ev
}

func TestDecodeEvent_NewMessageShapes(t *testing.T) {
	wrapped := decode(t, `{"type":"new_message","payload":{"message":{"id":"m1","conversationId":"c1","senderId":"u2","content":"hi","createdAt":"2024-05-01T12:00:00Z","readBy":["u3"]}}}`)
	bare := decode(t, `{"type":"newMessage","payload":{"id":"m1","conversationId":"c1","senderId":"u2","content":"hi","createdAt":"2024-05-01T12:00:00Z","readBy":["u3"]}}`)

	require.IsType(t, NewMessageEvent{}, wrapped)
	assert.Equal(t, wrapped, bare)
	m := wrapped.(NewMessageEvent).Message
	assert.Equal(t, t0, m.CreatedAt.UTC())
	assert.True(t, m.IsReadBy("u3"))

	_, err := DecodeEvent(Envelope{Type: "new_message", Payload: json.RawMessage(`{"content":"no id"}`)})
	assert.Error(t, err)
}

func TestDecodeEvent_Kinds(t *testing.T) {
	tests := []struct {
		raw  string
		want Event
	}{
		{`{"type":"authenticated","payload":{"userId":"u1","username":"ana"}}`, AuthenticatedEvent{UserID: "u1", Username: "ana"}},
		{`{"type":"message_deleted","payload":{"messageId":"m1","conversationId":"c1"}}`, MessageDeletedEvent{MessageID: "m1", ConversationID: "c1"}},
		{`{"type":"message_read","payload":{"messageIds":["m1","m2"],"conversationId":"c1"}}`, MessageReadEvent{MessageIDs: []string{"m1", "m2"}, ConversationID: "c1"}},
		{`{"type":"user_typing","payload":{"roomId":"r1","userId":"u2","isTyping":true}}`, UserTypingEvent{RoomID: "r1", UserID: "u2", IsTyping: true}},
		{`{"type":"user_typing","payload":{"conversationId":"c1","userId":"u2","isTyping":false}}`, UserTypingEvent{RoomID: "c1", UserID: "u2"}},
		{`{"type":"room_update","payload":{"roomId":"r1","count":5}}`, RoomUpdateEvent{RoomID: "r1", Subtype: RoomUpdateOnlineCount, Count: 5}},
		{`{"type":"room_update","payload":{"roomId":"r1","type":"renamed"}}`, RoomUpdateEvent{RoomID: "r1", Subtype: "renamed"}},
		{`{"type":"pong","payload":{"requestId":"ping-1"}}`, PongEvent{RequestID: "ping-1"}},
		{`{"type":"error","payload":{"message":"nope"}}`, ErrorEvent{Message: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, decode(t, tt.raw))
		})
	}
}

func TestDecodeEvent_UnknownKindIsDomain(t *testing.T) {
	ev := decode(t, `{"type":"budget_update","payload":{"budgetId":"b1"}}`)
	de, ok := ev.(DomainEvent)
	require.True(t, ok)
	assert.Equal(t, KindBudgetUpdate, de.Kind())
	assert.JSONEq(t, `{"budgetId":"b1"}`, string(de.Payload))
	assert.True(t, de.Kind().IsDomain())
	assert.False(t, KindNewMessage.IsDomain())
	assert.False(t, KindConnected.IsDomain())
}

func TestDecodeEvent_RejectsReservedNames(t *testing.T) {
	_, err := DecodeEvent(Envelope{Type: ""})
	assert.Error(t, err)
	_, err = DecodeEvent(Envelope{Type: string(KindConnected)})
	assert.Error(t, err)
}

func TestDispatcher_OrderPanicAndOff(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	var got []string

	d.add(KindNewMessage, func(Event) { got = append(got, "first") })
	d.add(KindNewMessage, func(Event) { panic("boom") })
	third := d.add(KindNewMessage, func(Event) { got = append(got, "third") })
	d.addDomain(func(ev Event) { got = append(got, "domain:"+string(ev.Kind())) })

	d.dispatch(NewMessageEvent{})
	assert.Equal(t, []string{"first", "third"}, got)

	third.Off()
	third.Off()
	got = nil
	d.dispatch(NewMessageEvent{})
	d.dispatch(DomainEvent{Name: KindGuideUpdate})
	assert.Equal(t, []string{"first", "domain:guide_update"}, got)
	assert.Equal(t, 2, d.count(KindNewMessage))
}

func TestMessage_JSONReadBy(t *testing.T) {
	m := msg("m1", "c1", "u2", "hi", t0)
	m.ReadBy = map[string]struct{}{"u9": {}, "u3": {}}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"readBy":["u3","u9"]`)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"u3", "u9"}, back.Readers())
}
