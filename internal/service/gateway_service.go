package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

// SocketConn is the websocket surface the gateway needs. *websocket.Conn satisfies it.
type SocketConn interface {
	realtime.Transport
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// GatewayOptions carries metadata extracted during the HTTP upgrade.
type GatewayOptions struct {
	UserID        uint
	CorrelationID string
	Context       context.Context
}

// GatewayConfig tunes connection handling.
type GatewayConfig struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
}

// GatewayService terminates websocket connections and dispatches their events.
type GatewayService interface {
	ServeConnection(conn SocketConn, opts GatewayOptions)
	Handle(ctx context.Context, conn *realtime.Connection, raw []byte) bool
}

type gatewayService struct {
	registry   ConnectionRegistry
	presence   PresenceService
	membership MembershipService
	chat       ChatService
	groups     GroupChatService
	contract   *realtime.Contract
	config     GatewayConfig
	logger     zerolog.Logger
}

// NewGatewayService constructs the websocket gateway.
func NewGatewayService(registry ConnectionRegistry, presence PresenceService, membership MembershipService, chat ChatService, groups GroupChatService, contract *realtime.Contract, config GatewayConfig, logger zerolog.Logger) GatewayService {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 25 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if contract == nil {
		contract = realtime.MustContract()
	}

	return &gatewayService{
		registry:   registry,
		presence:   presence,
		membership: membership,
		chat:       chat,
		groups:     groups,
		contract:   contract,
		config:     config,
		logger:     logger.With().Str("component", "realtime_gateway").Logger(),
	}
}

// ServeConnection owns conn until it closes: it registers the session, runs the writer in its own
// goroutine and reads frames on the calling goroutine.
func (g *gatewayService) ServeConnection(conn SocketConn, opts GatewayOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := g.logger.With().Uint("user_id", opts.UserID).Str("correlation_id", opts.CorrelationID).Logger()

	actor, err := g.membership.ResolveActor(baseCtx, opts.UserID)
	if err != nil {
		g.refuse(conn, err)
		logger.Info().Err(err).Msg("websocket rejected")
		return
	}

	connection := realtime.NewConnection(actor.ID(), actor.OrganizationID(), conn, g.config.SendBuffer)
	connCtx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := g.registry.Register(connCtx, connection); err != nil {
		g.refuse(conn, err)
		return
	}
	defer g.registry.Unregister(context.WithoutCancel(connCtx), connection)

	if err := g.registry.JoinRoom(actor.ID(), realtime.OrganizationRoom(actor.OrganizationID())); err != nil {
		logger.Warn().Err(err).Msg("failed to join organization room")
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := connection.WritePump(g.config.HeartbeatInterval); err != nil && !errors.Is(err, realtime.ErrConnectionClosed) {
			logger.Debug().Err(err).Msg("websocket write loop ended")
		}
	}()
	// The socket is released once this function returns; the writer must be gone by then.
	defer func() {
		connection.Close()
		<-writerDone
	}()

	stale := g.presence.StaleThreshold()
	_ = conn.SetReadDeadline(time.Now().Add(stale))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(stale))
		if err := g.presence.Heartbeat(context.WithoutCancel(connCtx), connection); err != nil {
			logger.Warn().Err(err).Msg("failed to record heartbeat")
		}
		return nil
	})

	logger.Info().Str("connection_id", connection.ID()).Msg("websocket connected")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read loop ended")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(stale))
		connection.Touch(time.Now().UTC())

		if !g.Handle(connCtx, connection, raw) {
			break
		}
		if connection.Closed() {
			break
		}
	}
	logger.Info().Str("connection_id", connection.ID()).Msg("websocket disconnected")
}

// Handle validates and dispatches one inbound frame. It returns false when the connection must be closed.
// Work runs detached from the connection context, so a disconnect never aborts a committed pipeline.
func (g *gatewayService) Handle(ctx context.Context, conn *realtime.Connection, raw []byte) bool {
	event, err := g.contract.Decode(raw)
	if err != nil {
		g.reject(conn, event, err)
		return true
	}

	ctx = context.WithoutCancel(ctx)
	actor, err := g.membership.ResolveActor(ctx, conn.UserID())
	if err != nil {
		g.reject(conn, event, err)
		return KindOf(err) != KindAuthentication
	}

	if err := g.dispatch(ctx, actor, conn, event); err != nil {
		g.reject(conn, event, err)
		return KindOf(err) != KindAuthentication
	}
	return true
}

func (g *gatewayService) dispatch(ctx context.Context, actor Actor, conn *realtime.Connection, event realtime.InboundEvent) error {
	switch event.Type {
	case realtime.EventJoinOrganization:
		var payload dto.JoinOrganizationRequest
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		if payload.OrganizationID != actor.OrganizationID() {
			return forbidden("you cannot join another organization", "")
		}
		if err := g.registry.JoinRoom(actor.ID(), realtime.OrganizationRoom(payload.OrganizationID)); err != nil {
			return err
		}
		return g.replyPresence(ctx, conn, event, actor)

	case realtime.EventGetPresence:
		return g.replyPresence(ctx, conn, event, actor)

	case realtime.EventJoinConversation:
		var payload dto.ConversationRef
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		loaded, err := g.chat.JoinConversation(ctx, actor, payload.ConversationID)
		if err != nil {
			return err
		}
		g.reply(conn, event, realtime.EventConversationLoaded, loaded)

	case realtime.EventLeaveConversation:
		var payload dto.ConversationRef
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		return g.chat.LeaveConversation(ctx, actor, payload.ConversationID)

	case realtime.EventGetOrCreateConversation:
		var payload dto.GetOrCreateConversationRequest
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		loaded, _, err := g.chat.OpenConversation(ctx, actor, payload)
		if err != nil {
			return err
		}
		if err := g.registry.JoinRoom(actor.ID(), realtime.ConversationRoom(loaded.Conversation.ID)); err != nil {
			return err
		}
		g.reply(conn, event, realtime.EventConversationLoaded, loaded)

	case realtime.EventSendMessage:
		var payload dto.SendMessageRequest
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		_, err := g.chat.SendMessage(ctx, actor, payload, event.RequestID)
		return err

	case realtime.EventUploadAttachment:
		var payload dto.UploadAttachmentRequest
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		_, err := g.chat.UploadAttachment(ctx, actor, payload, event.RequestID)
		return err

	case realtime.EventMarkRead:
		var payload dto.ConversationRef
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		_, err := g.chat.MarkRead(ctx, actor, payload.ConversationID)
		return err

	case realtime.EventTyping:
		var payload dto.TypingRequest
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		return g.chat.Typing(ctx, actor, payload)

	case realtime.EventJoinGroup:
		var payload dto.GroupRef
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		loaded, err := g.groups.Join(ctx, actor, payload.GroupID)
		if err != nil {
			return err
		}
		g.reply(conn, event, realtime.EventGroupChatLoaded, loaded)

	case realtime.EventLeaveGroup:
		var payload dto.GroupRef
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		return g.groups.LeaveRoom(ctx, actor, payload.GroupID)

	case realtime.EventSendGroupMessage:
		var payload dto.SendGroupMessageRequest
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		_, err := g.groups.SendMessage(ctx, actor, payload, event.RequestID)
		return err

	case realtime.EventMarkGroupRead:
		var payload dto.GroupRef
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		_, err := g.groups.MarkRead(ctx, actor, payload.GroupID)
		return err

	case realtime.EventGetContacts:
		contacts, err := g.chat.Contacts(ctx, actor)
		if err != nil {
			return err
		}
		g.reply(conn, event, realtime.EventContactsUpdate, contacts)

	case realtime.EventGetConversations:
		conversations, err := g.chat.ListConversations(ctx, actor)
		if err != nil {
			return err
		}
		groups, err := g.groups.List(ctx, actor)
		if err != nil {
			return err
		}
		g.reply(conn, event, realtime.EventConversationsList, dto.ConversationsListPayload{
			Conversations: conversations,
			Groups:        groups,
		})

	case realtime.EventDeleteMessage:
		var payload dto.DeleteMessageRequest
		if err := event.Bind(&payload); err != nil {
			return invalid(err.Error())
		}
		var err error
		if payload.GroupID != 0 {
			_, err = g.groups.DeleteMessage(ctx, actor, payload.GroupID, payload.MessageID)
		} else {
			_, err = g.chat.DeleteMessage(ctx, actor, payload.MessageID)
		}
		return err

	case realtime.EventHeartbeat:
		if err := g.presence.Heartbeat(ctx, conn); err != nil {
			return err
		}
		g.reply(conn, event, realtime.EventHeartbeatAck, dto.HeartbeatAckPayload{ServerTime: time.Now().UTC()})

	default:
		return invalid("unsupported event type " + event.Type)
	}
	return nil
}

func (g *gatewayService) replyPresence(ctx context.Context, conn *realtime.Connection, event realtime.InboundEvent, actor Actor) error {
	snapshot, err := g.presence.OrganizationPresence(ctx, actor.OrganizationID())
	if err != nil {
		return err
	}
	g.reply(conn, event, realtime.EventPresenceChanged, snapshot)
	return nil
}

func (g *gatewayService) reply(conn *realtime.Connection, inbound realtime.InboundEvent, eventType string, data interface{}) {
	if !conn.Enqueue(realtime.NewEvent(eventType, data).WithRequestID(inbound.RequestID)) {
		g.logger.Warn().Uint("user_id", conn.UserID()).Str("event", eventType).Msg("dropping reply for closed or saturated connection")
	}
}

func (g *gatewayService) reject(conn *realtime.Connection, inbound realtime.InboundEvent, err error) {
	kind := KindOf(err)
	if kind == KindTransient {
		g.logger.Error().Err(err).Uint("user_id", conn.UserID()).Str("event", inbound.Type).Msg("realtime event failed")
	} else {
		g.logger.Debug().Err(err).Uint("user_id", conn.UserID()).Str("event", inbound.Type).Msg("realtime event rejected")
	}

	g.reply(conn, inbound, realtime.EventError, errorPayload(inbound, err))
}

// refuse reports a terminal failure before the session was registered and closes the socket.
func (g *gatewayService) refuse(conn SocketConn, err error) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(realtime.NewEvent(realtime.EventError, errorPayload(realtime.InboundEvent{}, err)))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, PublicMessage(err)), deadline)
	_ = conn.Close()
}

func errorPayload(inbound realtime.InboundEvent, err error) dto.ErrorPayload {
	return dto.ErrorPayload{
		Message:            PublicMessage(err),
		Code:               string(KindOf(err)),
		Event:              inbound.Type,
		RequestID:          inbound.RequestID,
		RequiredPermission: PermissionOf(err),
	}
}
