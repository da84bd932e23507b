package handler_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/service"
)

type wireEvent struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

func dial(t *testing.T, addr string, user models.User) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", fmt.Sprint(user.ID))
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/chat/ws", header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// await reads frames until one of the wanted type arrives.
func await(t *testing.T, conn *websocket.Conn, eventType string) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var event wireEvent
		require.NoError(t, conn.ReadJSON(&event))
		if event.Type == eventType {
			return event
		}
	}
}

func TestWebsocketRejectsUnauthenticatedUpgrade(t *testing.T) {
	f := setupAPI(t)
	addr := serve(t, f.app)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/chat/ws", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketClosesUnknownUsers(t *testing.T) {
	f := setupAPI(t)
	addr := serve(t, f.app)

	conn := dial(t, addr, models.User{ID: 4242})
	event := await(t, conn, "error")
	var payload dto.ErrorPayload
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	require.Equal(t, string(service.KindAuthentication), payload.Code)

	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestWebsocketConversationRoundTrip(t *testing.T) {
	f := setupAPI(t)
	manager := f.seedUser(t, 1, "Manager", service.RoleManager)
	agent := f.seedUser(t, 1, "Agent", service.RoleAgent)
	addr := serve(t, f.app)

	managerConn := dial(t, addr, manager)
	agentConn := dial(t, addr, agent)

	require.NoError(t, managerConn.WriteJSON(map[string]interface{}{"type": "heartbeat", "request_id": "hb-1"}))
	require.Equal(t, "hb-1", await(t, managerConn, "heartbeat-ack").RequestID)

	require.Eventually(t, func() bool { return f.registry.Count() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, managerConn.WriteJSON(map[string]interface{}{
		"type":       "get-or-create-conversation",
		"request_id": "open-1",
		"data":       map[string]interface{}{"peer_id": agent.ID},
	}))
	loadedEvent := await(t, managerConn, "conversation-loaded")
	require.Equal(t, "open-1", loadedEvent.RequestID)
	var loaded dto.ConversationLoadedPayload
	require.NoError(t, json.Unmarshal(loadedEvent.Data, &loaded))
	conversationID := loaded.Conversation.ID

	require.NoError(t, agentConn.WriteJSON(map[string]interface{}{
		"type":       "join-conversation",
		"request_id": "join-1",
		"data":       map[string]interface{}{"conversation_id": conversationID},
	}))
	require.Equal(t, "join-1", await(t, agentConn, "conversation-loaded").RequestID)

	require.NoError(t, managerConn.WriteJSON(map[string]interface{}{
		"type":       "send-message",
		"request_id": "msg-1",
		"data":       map[string]interface{}{"conversation_id": conversationID, "content": "pipeline review at 3"},
	}))
	require.Equal(t, "msg-1", await(t, managerConn, "message-delivered").RequestID)

	received := await(t, agentConn, "new-message")
	var message dto.MessageResponse
	require.NoError(t, json.Unmarshal(received.Data, &message))
	require.Equal(t, "pipeline review at 3", message.Content)
	require.Equal(t, manager.ID, message.SenderID)

	require.NoError(t, agentConn.WriteJSON(map[string]interface{}{"type": "send-message", "request_id": "bad-1", "data": map[string]interface{}{}}))
	rejected := await(t, agentConn, "error")
	require.Equal(t, "bad-1", rejected.RequestID)
}
