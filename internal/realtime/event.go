package realtime

import "encoding/json"

// Inbound event names.
const (
	EventJoinOrganization        = "join-organization"
	EventJoinConversation        = "join-conversation"
	EventLeaveConversation       = "leave-conversation"
	EventGetOrCreateConversation = "get-or-create-conversation"
	EventSendMessage             = "send-message"
	EventUploadAttachment        = "upload-attachment"
	EventMarkRead                = "mark-read"
	EventTyping                  = "typing"
	EventJoinGroup               = "join-group"
	EventLeaveGroup              = "leave-group"
	EventSendGroupMessage        = "send-group-message"
	EventMarkGroupRead           = "mark-group-read"
	EventGetPresence             = "get-presence"
	EventGetContacts             = "get-contacts"
	EventGetConversations        = "get-conversations"
	EventDeleteMessage           = "delete-message"
	EventHeartbeat               = "heartbeat"
)

// Outbound event names.
const (
	EventConversationLoaded     = "conversation-loaded"
	EventNewMessage             = "new-message"
	EventMessageDelivered       = "message-delivered"
	EventMessagesRead           = "messages-read"
	EventMessageDeleted         = "message-deleted"
	EventPresenceChanged        = "presence-changed"
	EventNewMessageNotification = "new-message-notification"
	EventNotification           = "notification"
	EventGroupChatLoaded        = "group-chat-loaded"
	EventNewGroupMessage        = "new-group-message"
	EventGroupUpdated           = "group-updated"
	EventContactsUpdate         = "contacts-update"
	EventConversationsList      = "conversations-list"
	EventUnreadCountUpdated     = "unread-count-updated"
	EventUserTyping             = "user-typing"
	EventHeartbeatAck           = "heartbeat-ack"
	EventError                  = "error"
)

// Event is an outbound frame. Data is marshalled as-is, so a json.RawMessage
// relayed from another node is written unchanged.
type Event struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEvent builds an outbound event.
func NewEvent(eventType string, data interface{}) Event {
	return Event{Type: eventType, Data: data}
}

// WithRequestID correlates the event with the inbound request that produced it.
func (e Event) WithRequestID(requestID string) Event {
	e.RequestID = requestID
	return e
}

// InboundEvent is a decoded client frame; Data stays raw until the handler binds it.
type InboundEvent struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Bind decodes the event payload into target. A missing payload decodes as an empty object.
func (e InboundEvent) Bind(target interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return json.Unmarshal([]byte("{}"), target)
	}
	return json.Unmarshal(e.Data, target)
}
