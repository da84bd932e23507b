package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

var fullPipeline = []string{
	StageAuthorize, StageEnsureActive, StageValidate, StagePersist, StageBroadcast, StageUnread, StageNotify,
}

func TestSendMessageBroadcastsExactlyOnceToJoinedConnections(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	outsider := seedUser(t, f.db, 1, "Olivia", RoleManager)
	conversationID := f.conversation(t, a, b)

	connA := f.connect(t, a)
	connB := f.connect(t, b)
	connOutsider := f.connect(t, outsider)
	require.NoError(t, f.registry.JoinRoom(a.ID, realtime.ConversationRoom(conversationID)))
	require.NoError(t, f.registry.JoinRoom(b.ID, realtime.ConversationRoom(conversationID)))

	result, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{
		ConversationID: conversationID,
		Content:        "hello <script>alert(1)</script><b>there</b>",
	}, "req-1")
	require.NoError(t, err)
	require.Equal(t, fullPipeline, result.Stages)
	require.Equal(t, "hello <b>there</b>", result.Message.Content)
	require.Equal(t, "Alice", result.Message.SenderName)
	require.Equal(t, models.MessageTypeText, result.Message.MessageType)

	eventsA := drain(connA)
	eventsB := drain(connB)
	for _, events := range [][]realtime.Event{eventsA, eventsB} {
		messages := ofType(events, realtime.EventNewMessage)
		require.Len(t, messages, 1)
		require.Equal(t, result.Message.ID, messages[0].Data.(dto.MessageResponse).ID)
	}
	require.Empty(t, ofType(drain(connOutsider), realtime.EventNewMessage))

	delivered := ofType(eventsA, realtime.EventMessageDelivered)
	require.Len(t, delivered, 1)
	require.Equal(t, "req-1", delivered[0].RequestID)
	require.Empty(t, ofType(eventsB, realtime.EventMessageDelivered))

	unread := ofType(eventsB, realtime.EventUnreadCountUpdated)
	require.Len(t, unread, 1)
	require.Equal(t, int64(1), unread[0].Data.(dto.UnreadCountPayload).UnreadCount)

	require.Empty(t, f.notificationsFor(t, b), "a recipient viewing the room is not notified")
}

func TestSendMessageNotificationMatrix(t *testing.T) {
	t.Run("unreachable recipient gets a durable notification only", func(t *testing.T) {
		f := newChatFixture(t)
		a := seedUser(t, f.db, 1, "Alice", RoleManager)
		b := seedUser(t, f.db, 1, "Bob", RoleAgent)
		conversationID := f.conversation(t, a, b)

		_, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "ping"}, "")
		require.NoError(t, err)

		rows := f.notificationsFor(t, b)
		require.Len(t, rows, 1)
		require.Equal(t, models.NotificationNewDirectMessage, rows[0].Type)
		require.Equal(t, models.SubjectConversation, rows[0].SubjectType)
		require.Equal(t, conversationID, rows[0].SubjectID)
		require.Equal(t, "ping", rows[0].Message)
	})

	t.Run("reachable recipient outside the room gets row and push", func(t *testing.T) {
		f := newChatFixture(t)
		a := seedUser(t, f.db, 1, "Alice", RoleManager)
		b := seedUser(t, f.db, 1, "Bob", RoleAgent)
		conversationID := f.conversation(t, a, b)
		connB := f.connect(t, b)

		_, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "ping"}, "")
		require.NoError(t, err)

		rows := f.notificationsFor(t, b)
		require.Len(t, rows, 1)

		events := drain(connB)
		require.Empty(t, ofType(events, realtime.EventNewMessage))
		pushes := ofType(events, realtime.EventNewMessageNotification)
		require.Len(t, pushes, 1)
		require.Equal(t, rows[0].ID, pushes[0].Data.(dto.NotificationResponse).ID)
	})

	t.Run("recipient in the room gets neither", func(t *testing.T) {
		f := newChatFixture(t)
		a := seedUser(t, f.db, 1, "Alice", RoleManager)
		b := seedUser(t, f.db, 1, "Bob", RoleAgent)
		conversationID := f.conversation(t, a, b)
		connB := f.connect(t, b)
		require.NoError(t, f.registry.JoinRoom(b.ID, realtime.ConversationRoom(conversationID)))

		_, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "ping"}, "")
		require.NoError(t, err)

		require.Empty(t, f.notificationsFor(t, b))
		events := drain(connB)
		require.Len(t, ofType(events, realtime.EventNewMessage), 1)
		require.Empty(t, ofType(events, realtime.EventNewMessageNotification))
	})
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	conversationID := f.conversation(t, a, b)
	actorB := f.actor(t, b)

	for _, content := range []string{"one", "two"} {
		_, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: content}, "")
		require.NoError(t, err)
	}
	require.Len(t, f.notificationsFor(t, b), 2)

	connB := f.connect(t, b)
	require.NoError(t, f.registry.JoinRoom(b.ID, realtime.ConversationRoom(conversationID)))

	first, err := f.chat.MarkRead(context.Background(), actorB, conversationID)
	require.NoError(t, err)
	require.Equal(t, int64(2), first.Count)
	require.Len(t, ofType(drain(connB), realtime.EventMessagesRead), 1)

	var readAt []models.DirectMessage
	require.NoError(t, f.db.Where("conversation_id = ?", conversationID).Order("id").Find(&readAt).Error)

	second, err := f.chat.MarkRead(context.Background(), actorB, conversationID)
	require.NoError(t, err)
	require.Zero(t, second.Count)
	require.Empty(t, ofType(drain(connB), realtime.EventMessagesRead))

	var after []models.DirectMessage
	require.NoError(t, f.db.Where("conversation_id = ?", conversationID).Order("id").Find(&after).Error)
	require.Len(t, after, 2)
	for i := range after {
		require.True(t, after[i].IsRead)
		require.NotNil(t, after[i].ReadAt)
		require.True(t, readAt[i].ReadAt.Equal(*after[i].ReadAt))
	}

	for _, row := range f.notificationsFor(t, b) {
		require.True(t, row.IsRead, "chat notifications are cleared on read")
	}
}

func TestSendMessageRejectsAttachmentBatchAtomically(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	conversationID := f.conversation(t, a, b)

	cases := map[string]dto.AttachmentInput{
		"disallowed type": {FileURL: "https://cdn.crm.local/files/run.exe", FileName: "run.exe", MimeType: "application/x-msdownload", Size: 10},
		"oversized":       {FileURL: "https://cdn.crm.local/files/big.pdf", FileName: "big.pdf", MimeType: "application/pdf", Size: 2 * 1024 * 1024},
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{
				ConversationID: conversationID,
				Content:        "files",
				Attachments: []dto.AttachmentInput{
					{FileURL: "https://cdn.crm.local/files/ok.png", FileName: "ok.png", MimeType: "image/png", Size: 100},
					bad,
				},
			}, "")
			require.Error(t, err)
			require.Equal(t, KindValidation, KindOf(err))
			require.Equal(t, []string{StageAuthorize, StageEnsureActive, StageValidate}, result.Stages)
		})
	}

	var messages, attachments int64
	require.NoError(t, f.db.Model(&models.DirectMessage{}).Count(&messages).Error)
	require.NoError(t, f.db.Model(&models.MessageAttachment{}).Count(&attachments).Error)
	require.Zero(t, messages)
	require.Zero(t, attachments)
}

func TestUploadAttachmentPersistsStorageKey(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	conversationID := f.conversation(t, a, b)

	result, err := f.chat.UploadAttachment(context.Background(), f.actor(t, a), dto.UploadAttachmentRequest{
		ConversationID: conversationID,
		FileURL:        "https://cdn.crm.local/uploads/2024/contract.pdf?sig=abc",
		FileName:       "contract.pdf",
		MimeType:       "application/pdf",
		Size:           2048,
	}, "req-9")
	require.NoError(t, err)
	require.Equal(t, models.MessageTypeFile, result.Message.MessageType)
	require.Len(t, result.Message.Attachments, 1)
	require.Equal(t, "uploads/2024/contract.pdf", result.Message.Attachments[0].StorageKey)
	require.Equal(t, dto.ByteSize(2048), result.Message.Attachments[0].Size)
}

func TestSendMessageRejectsOutsidersAndClosedConversations(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	c := seedUser(t, f.db, 1, "Carol", RoleManager)
	conversationID := f.conversation(t, a, b)

	result, err := f.chat.SendMessage(context.Background(), f.actor(t, c), dto.SendMessageRequest{ConversationID: conversationID, Content: "hi"}, "")
	require.Equal(t, KindAuthorization, KindOf(err))
	require.Equal(t, []string{StageAuthorize}, result.Stages)

	result, err = f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "  <script></script> "}, "")
	require.Equal(t, KindValidation, KindOf(err))
	require.Equal(t, []string{StageAuthorize, StageEnsureActive, StageValidate}, result.Stages)

	require.NoError(t, f.chat.CloseConversation(context.Background(), f.actor(t, a), conversationID))
	result, err = f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "hi"}, "")
	require.Equal(t, KindNotFound, KindOf(err))
	require.Equal(t, []string{StageAuthorize, StageEnsureActive}, result.Stages)

	reopened := f.conversation(t, b, a)
	require.NotEqual(t, conversationID, reopened)
}

func TestDeleteMessageTombstonesForSenderOnly(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	conversationID := f.conversation(t, a, b)
	connB := f.connect(t, b)
	require.NoError(t, f.registry.JoinRoom(b.ID, realtime.ConversationRoom(conversationID)))

	result, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "secret"}, "")
	require.NoError(t, err)
	drain(connB)

	_, err = f.chat.DeleteMessage(context.Background(), f.actor(t, b), result.Message.ID)
	require.Equal(t, KindAuthorization, KindOf(err))

	deleted, err := f.chat.DeleteMessage(context.Background(), f.actor(t, a), result.Message.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeletedMessageContent, deleted.Content)
	require.Len(t, ofType(drain(connB), realtime.EventMessageDeleted), 1)

	var stored models.DirectMessage
	require.NoError(t, f.db.First(&stored, result.Message.ID).Error)
	require.True(t, stored.IsDeleted)
	require.Equal(t, models.DeletedMessageContent, stored.Content)
}

func TestListConversationsIncludesUnreadAndLastMessage(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	c := seedUser(t, f.db, 1, "Carol", RoleTeamLead)
	first := f.conversation(t, a, b)
	second := f.conversation(t, a, c)

	for _, send := range []struct {
		from         models.User
		conversation uint
		content      string
	}{
		{b, first, "from bob"},
		{c, second, "from carol"},
		{c, second, "again carol"},
	} {
		_, err := f.chat.SendMessage(context.Background(), f.actor(t, send.from), dto.SendMessageRequest{ConversationID: send.conversation, Content: send.content}, "")
		require.NoError(t, err)
	}

	list, err := f.chat.ListConversations(context.Background(), f.actor(t, a))
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second, list[0].ID)
	require.Equal(t, int64(2), list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	require.Equal(t, "again carol", list[0].LastMessage.Content)
	require.Equal(t, int64(1), list[1].UnreadCount)

	summary, err := f.chat.UnreadSummary(context.Background(), f.actor(t, a))
	require.NoError(t, err)
	require.Equal(t, int64(3), summary.Direct)
	require.Equal(t, int64(3), summary.Notifications)
	require.Equal(t, int64(3), summary.Total)
}

func TestTypingReachesOthersInRoom(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	conversationID := f.conversation(t, a, b)
	connA := f.connect(t, a)
	connB := f.connect(t, b)
	for _, user := range []models.User{a, b} {
		require.NoError(t, f.registry.JoinRoom(user.ID, realtime.ConversationRoom(conversationID)))
	}

	require.NoError(t, f.chat.Typing(context.Background(), f.actor(t, a), dto.TypingRequest{ConversationID: conversationID, IsTyping: true}))
	require.Empty(t, ofType(drain(connA), realtime.EventUserTyping))
	typing := ofType(drain(connB), realtime.EventUserTyping)
	require.Len(t, typing, 1)
	require.True(t, typing[0].Data.(dto.TypingPayload).IsTyping)
}

func TestSendMessageMarkupOnlyContent(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	conversationID := f.conversation(t, a, b)

	result, err := f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "<b></b>"}, "")
	require.Equal(t, KindValidation, KindOf(err))
	require.Equal(t, []string{StageAuthorize, StageEnsureActive, StageValidate}, result.Stages)
	require.Empty(t, f.notificationsFor(t, b))

	result, err = f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{
		ConversationID: conversationID,
		Content:        "<i> </i>",
		Attachments: []dto.AttachmentInput{
			{FileURL: "https://cdn.crm.local/files/quote.pdf", FileName: "quote.pdf", MimeType: "application/pdf", Size: 512},
		},
	}, "")
	require.NoError(t, err)
	require.Equal(t, fullPipeline, result.Stages)
	require.Empty(t, result.Message.Content)

	_, err = f.chat.SendMessage(context.Background(), f.actor(t, a), dto.SendMessageRequest{ConversationID: conversationID, Content: "<b>signed</b>"}, "")
	require.NoError(t, err)

	rows := f.notificationsFor(t, b)
	require.Len(t, rows, 2)
	require.Equal(t, "Sent an attachment", rows[0].Message)
	require.Equal(t, "signed", rows[1].Message)
}
