package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

type gatewayFixture struct {
	*chatFixture
	presence PresenceService
	gateway  GatewayService
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f, presence := newPresenceFixture(t)
	gateway := NewGatewayService(f.registry, presence, f.membership, f.chat, f.groupChat, realtime.MustContract(), GatewayConfig{}, testLogger())
	return &gatewayFixture{chatFixture: f, presence: presence, gateway: gateway}
}

func (g *gatewayFixture) send(t *testing.T, conn *realtime.Connection, frame string) (bool, []realtime.Event) {
	t.Helper()
	keep := g.gateway.Handle(context.Background(), conn, []byte(frame))
	return keep, drain(conn)
}

func errorOf(t *testing.T, events []realtime.Event) dto.ErrorPayload {
	t.Helper()
	errs := ofType(events, realtime.EventError)
	require.Len(t, errs, 1)
	return errs[0].Data.(dto.ErrorPayload)
}

func TestGatewayRejectsFramesOutsideTheContract(t *testing.T) {
	g := newGatewayFixture(t)
	user := seedUser(t, g.db, 1, "Alice", RoleManager)
	conn := g.connect(t, user)
	drain(conn)

	keep, events := g.send(t, conn, `{"type":"send-message","request_id":"r1","data":{"content":"no conversation"}}`)
	require.True(t, keep)
	payload := errorOf(t, events)
	require.Equal(t, string(KindValidation), payload.Code)
	require.Equal(t, realtime.EventSendMessage, payload.Event)
	require.Equal(t, "r1", payload.RequestID)

	keep, events = g.send(t, conn, `{{{`)
	require.True(t, keep)
	require.Equal(t, string(KindValidation), errorOf(t, events).Code)
}

func TestGatewayReportsMissingPermission(t *testing.T) {
	g := newGatewayFixture(t)
	agent := seedUser(t, g.db, 1, "Agent", RoleAgent)
	peer := seedUser(t, g.db, 1, "Peer", RoleAgent)
	conn := g.connect(t, agent)
	drain(conn)

	keep, events := g.send(t, conn, fmt.Sprintf(`{"type":"get-or-create-conversation","request_id":"r2","data":{"peer_id":%d}}`, peer.ID))
	require.True(t, keep)
	payload := errorOf(t, events)
	require.Equal(t, string(KindAuthorization), payload.Code)
	require.Equal(t, PermissionMessageAgents, payload.RequiredPermission)
	require.Equal(t, "r2", payload.RequestID)
}

func TestGatewayOpensConversationAndJoinsRoom(t *testing.T) {
	g := newGatewayFixture(t)
	lead := seedUser(t, g.db, 1, "Lead", RoleTeamLead)
	agent := seedUser(t, g.db, 1, "Agent", RoleAgent)
	conn := g.connect(t, lead)
	drain(conn)

	keep, events := g.send(t, conn, fmt.Sprintf(`{"type":"get-or-create-conversation","request_id":"r3","data":{"peer_id":%d}}`, agent.ID))
	require.True(t, keep)
	loaded := ofType(events, realtime.EventConversationLoaded)
	require.Len(t, loaded, 1)
	require.Equal(t, "r3", loaded[0].RequestID)
	conversation := loaded[0].Data.(dto.ConversationLoadedPayload).Conversation
	require.True(t, g.registry.InRoom(lead.ID, realtime.ConversationRoom(conversation.ID)))

	keep, events = g.send(t, conn, fmt.Sprintf(`{"type":"send-message","request_id":"r4","data":{"conversation_id":%d,"content":"hello"}}`, conversation.ID))
	require.True(t, keep)
	require.Len(t, ofType(events, realtime.EventNewMessage), 1)
	delivered := ofType(events, realtime.EventMessageDelivered)
	require.Len(t, delivered, 1)
	require.Equal(t, "r4", delivered[0].RequestID)

	keep, events = g.send(t, conn, `{"type":"get-conversations","request_id":"r5"}`)
	require.True(t, keep)
	listed := ofType(events, realtime.EventConversationsList)
	require.Len(t, listed, 1)
	require.Len(t, listed[0].Data.(dto.ConversationsListPayload).Conversations, 1)
}

func TestGatewayHeartbeatAndPresence(t *testing.T) {
	g := newGatewayFixture(t)
	user := seedUser(t, g.db, 1, "Alice", RoleManager)
	conn := g.connect(t, user)
	drain(conn)

	keep, events := g.send(t, conn, `{"type":"heartbeat","request_id":"hb"}`)
	require.True(t, keep)
	acks := ofType(events, realtime.EventHeartbeatAck)
	require.Len(t, acks, 1)
	require.Equal(t, "hb", acks[0].RequestID)

	keep, events = g.send(t, conn, `{"type":"join-organization","data":{"organization_id":1}}`)
	require.True(t, keep)
	snapshots := ofType(events, realtime.EventPresenceChanged)
	require.Len(t, snapshots, 1)
	require.Equal(t, PresenceReasonSnapshot, snapshots[0].Data.(dto.PresencePayload).Reason)

	keep, events = g.send(t, conn, `{"type":"join-organization","data":{"organization_id":2}}`)
	require.True(t, keep)
	require.Equal(t, string(KindAuthorization), errorOf(t, events).Code)
}

func TestGatewayDropsDeactivatedUsers(t *testing.T) {
	g := newGatewayFixture(t)
	user := seedUser(t, g.db, 1, "Alice", RoleManager)
	conn := g.connect(t, user)
	drain(conn)

	require.NoError(t, g.db.Model(&models.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)

	keep, events := g.send(t, conn, `{"type":"get-contacts"}`)
	require.False(t, keep)
	require.Equal(t, string(KindAuthentication), errorOf(t, events).Code)
}

type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	written  []interface{}
	controls []int
	closed   bool
}

func (s *fakeSocket) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, v)
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, messageType)
	return nil
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0, nil, errors.New("eof")
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return websocket.TextMessage, frame, nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (s *fakeSocket) SetReadDeadline(time.Time) error  { return nil }

func (s *fakeSocket) SetPongHandler(func(string) error) {}

func TestServeConnectionRefusesUnknownUsers(t *testing.T) {
	g := newGatewayFixture(t)
	socket := &fakeSocket{}

	g.gateway.ServeConnection(socket, GatewayOptions{UserID: 4242})

	require.True(t, socket.closed)
	require.Equal(t, []int{websocket.CloseMessage}, socket.controls)
	require.Len(t, socket.written, 1)
	event := socket.written[0].(realtime.Event)
	require.Equal(t, realtime.EventError, event.Type)
	require.Equal(t, string(KindAuthentication), event.Data.(dto.ErrorPayload).Code)
}

func TestServeConnectionRegistersUntilReadFails(t *testing.T) {
	g := newGatewayFixture(t)
	user := seedUser(t, g.db, 1, "Alice", RoleManager)
	socket := &fakeSocket{frames: [][]byte{[]byte(`{"type":"heartbeat"}`)}}

	g.gateway.ServeConnection(socket, GatewayOptions{UserID: user.ID, CorrelationID: "corr-1"})

	require.False(t, g.registry.IsReachable(user.ID))
	stored := reload(t, g.chatFixture, user)
	require.False(t, stored.IsOnline)
	require.NotNil(t, stored.LastSeen)
	require.Eventually(t, func() bool {
		socket.mu.Lock()
		defer socket.mu.Unlock()
		return socket.closed
	}, time.Second, 10*time.Millisecond)
}

// releasingSocket counts writes that arrive after ServeConnection has returned, which is
// when the websocket library hands the underlying connection back to its pool.
type releasingSocket struct {
	fakeSocket
	flood      func()
	flooded    atomic.Bool
	released   atomic.Bool
	lateWrites atomic.Int32
}

func (s *releasingSocket) WriteJSON(v interface{}) error {
	if s.released.Load() {
		s.lateWrites.Add(1)
	}
	time.Sleep(2 * time.Millisecond)
	return s.fakeSocket.WriteJSON(v)
}

func (s *releasingSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if s.released.Load() {
		s.lateWrites.Add(1)
	}
	return s.fakeSocket.WriteControl(messageType, data, deadline)
}

func (s *releasingSocket) SetWriteDeadline(t time.Time) error {
	if s.released.Load() {
		s.lateWrites.Add(1)
	}
	return nil
}

func (s *releasingSocket) ReadMessage() (int, []byte, error) {
	if s.flooded.CompareAndSwap(false, true) {
		s.flood()
	}
	return 0, nil, errors.New("client went away")
}

func TestServeConnectionDrainsWriterBeforeReturning(t *testing.T) {
	g := newGatewayFixture(t)
	user := seedUser(t, g.db, 1, "Alice", RoleManager)

	socket := &releasingSocket{}
	socket.flood = func() {
		for i := 0; i < 20; i++ {
			g.registry.EmitToUser(user.ID, realtime.NewEvent(realtime.EventHeartbeatAck, dto.HeartbeatAckPayload{}))
		}
	}

	g.gateway.ServeConnection(socket, GatewayOptions{UserID: user.ID})
	socket.released.Store(true)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, socket.lateWrites.Load())
	require.False(t, g.registry.IsReachable(user.ID))
}
