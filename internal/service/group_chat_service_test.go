package service

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

func createGroup(t *testing.T, f *chatFixture, admin models.User, members ...models.User) dto.GroupChatResponse {
	t.Helper()
	ids := make([]uint, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	group, err := f.groupChat.Create(context.Background(), f.actor(t, admin), dto.GroupCreateRequest{Name: "Deal desk", ParticipantIDs: ids})
	require.NoError(t, err)
	return group
}

func TestGroupMessageReachesViewersAndNotifiesTheRest(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	c := seedUser(t, f.db, 1, "Carol", RoleAgent)
	d := seedUser(t, f.db, 1, "Dan", RoleTeamLead)

	connA := f.connect(t, a)
	connB := f.connect(t, b)
	connD := f.connect(t, d)

	group := createGroup(t, f, a, b, c, d)
	require.Len(t, group.Participants, 4)
	require.Equal(t, a.ID, group.AdminID)

	created := ofType(drain(connB), realtime.EventGroupUpdated)
	require.Len(t, created, 1)
	require.Equal(t, GroupActionCreated, created[0].Data.(dto.GroupUpdatedPayload).Action)
	drain(connA)
	drain(connD)

	for _, user := range []models.User{a, d} {
		_, err := f.groupChat.Join(context.Background(), f.actor(t, user), group.ID)
		require.NoError(t, err)
	}

	result, err := f.groupChat.SendMessage(context.Background(), f.actor(t, a), dto.SendGroupMessageRequest{GroupID: group.ID, Content: "kickoff at 10"}, "g-1")
	require.NoError(t, err)
	require.Equal(t, fullPipeline, result.Stages)
	require.Equal(t, group.ID, result.Message.GroupID)

	eventsA := drain(connA)
	require.Len(t, ofType(eventsA, realtime.EventNewGroupMessage), 1)
	delivered := ofType(eventsA, realtime.EventMessageDelivered)
	require.Len(t, delivered, 1)
	require.Equal(t, "g-1", delivered[0].RequestID)

	eventsD := drain(connD)
	require.Len(t, ofType(eventsD, realtime.EventNewGroupMessage), 1)
	require.Empty(t, ofType(eventsD, realtime.EventNewMessageNotification))

	eventsB := drain(connB)
	require.Empty(t, ofType(eventsB, realtime.EventNewGroupMessage))
	require.Len(t, ofType(eventsB, realtime.EventNewMessageNotification), 1)
	unread := ofType(eventsB, realtime.EventUnreadCountUpdated)
	require.Len(t, unread, 1)
	require.Equal(t, int64(1), unread[0].Data.(dto.UnreadCountPayload).UnreadCount)

	chatRows := func(user models.User) []models.Notification {
		var out []models.Notification
		for _, row := range f.notificationsFor(t, user) {
			if row.Type == models.NotificationNewGroupMessage {
				out = append(out, row)
			}
		}
		return out
	}
	require.Len(t, chatRows(b), 1)
	require.Len(t, chatRows(c), 1)
	require.Empty(t, chatRows(d))
	require.Empty(t, chatRows(a))
}

func TestGroupCreateNotifiesAddedMembers(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	connB := f.connect(t, b)

	group := createGroup(t, f, a, b)

	rows := f.notificationsFor(t, b)
	require.Len(t, rows, 1)
	require.Equal(t, models.NotificationGroupAdded, rows[0].Type)
	require.Equal(t, group.ID, rows[0].SubjectID)
	require.Len(t, ofType(drain(connB), realtime.EventNotification), 1)
	require.Empty(t, f.notificationsFor(t, a))
}

func TestGroupCreateValidatesMembers(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	foreign := seedUser(t, f.db, 2, "Foreign", RoleAgent)

	_, err := f.groupChat.Create(context.Background(), f.actor(t, a), dto.GroupCreateRequest{Name: "Solo"})
	require.Equal(t, KindValidation, KindOf(err))

	_, err = f.groupChat.Create(context.Background(), f.actor(t, a), dto.GroupCreateRequest{Name: "Cross", ParticipantIDs: []uint{foreign.ID}})
	require.Equal(t, KindValidation, KindOf(err))

	_, err = f.groupChat.Create(context.Background(), f.actor(t, a), dto.GroupCreateRequest{Name: "Ghost", ParticipantIDs: []uint{4242}})
	require.Equal(t, KindValidation, KindOf(err))
}

func TestGroupAdminCannotLeaveButMemberCan(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	c := seedUser(t, f.db, 1, "Carol", RoleAgent)
	group := createGroup(t, f, a, b, c)

	err := f.groupChat.Leave(context.Background(), f.actor(t, a), group.ID)
	require.Equal(t, KindAuthorization, KindOf(err))

	connA := f.connect(t, a)
	_, err = f.groupChat.Join(context.Background(), f.actor(t, a), group.ID)
	require.NoError(t, err)

	require.NoError(t, f.groupChat.Leave(context.Background(), f.actor(t, b), group.ID))
	left := ofType(drain(connA), realtime.EventGroupUpdated)
	require.Len(t, left, 1)
	payload := left[0].Data.(dto.GroupUpdatedPayload)
	require.Equal(t, GroupActionParticipantLeft, payload.Action)
	require.Equal(t, []uint{b.ID}, payload.UserIDs)
	require.Len(t, payload.Group.Participants, 2)

	_, err = f.groupChat.SendMessage(context.Background(), f.actor(t, b), dto.SendGroupMessageRequest{GroupID: group.ID, Content: "still here?"}, "")
	require.Equal(t, KindAuthorization, KindOf(err))

	_, err = f.groupChat.RemoveParticipant(context.Background(), f.actor(t, a), group.ID, a.ID)
	require.Equal(t, KindAuthorization, KindOf(err))
}

func TestGroupMembershipChangesAreAdminOnly(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	c := seedUser(t, f.db, 1, "Carol", RoleAgent)
	d := seedUser(t, f.db, 1, "Dan", RoleAgent)
	group := createGroup(t, f, a, b)

	_, err := f.groupChat.AddParticipants(context.Background(), f.actor(t, b), group.ID, dto.GroupParticipantsRequest{UserIDs: []uint{c.ID}})
	require.Equal(t, KindAuthorization, KindOf(err))

	updated, err := f.groupChat.AddParticipants(context.Background(), f.actor(t, a), group.ID, dto.GroupParticipantsRequest{UserIDs: []uint{c.ID, d.ID}})
	require.NoError(t, err)
	require.Len(t, updated.Participants, 4)

	updated, err = f.groupChat.RemoveParticipant(context.Background(), f.actor(t, a), group.ID, d.ID)
	require.NoError(t, err)
	require.Len(t, updated.Participants, 3)

	_, err = f.groupChat.TransferAdmin(context.Background(), f.actor(t, a), group.ID, dto.GroupTransferAdminRequest{UserID: d.ID})
	require.Equal(t, KindValidation, KindOf(err))

	updated, err = f.groupChat.TransferAdmin(context.Background(), f.actor(t, a), group.ID, dto.GroupTransferAdminRequest{UserID: b.ID})
	require.NoError(t, err)
	require.Equal(t, b.ID, updated.AdminID)

	require.NoError(t, f.groupChat.Leave(context.Background(), f.actor(t, a), group.ID))

	err = f.groupChat.Delete(context.Background(), f.actor(t, c), group.ID)
	require.Equal(t, KindAuthorization, KindOf(err))
	require.NoError(t, f.groupChat.Delete(context.Background(), f.actor(t, b), group.ID))

	_, err = f.groupChat.SendMessage(context.Background(), f.actor(t, b), dto.SendGroupMessageRequest{GroupID: group.ID, Content: "anyone?"}, "")
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestGroupMarkReadUsesWatermark(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	group := createGroup(t, f, a, b)

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.groupChat.SendMessage(context.Background(), f.actor(t, a), dto.SendGroupMessageRequest{GroupID: group.ID, Content: content}, "")
		require.NoError(t, err)
	}

	list, err := f.groupChat.List(context.Background(), f.actor(t, b))
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, int64(3), list[0].UnreadCount)

	first, err := f.groupChat.MarkRead(context.Background(), f.actor(t, b), group.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), first.Count)

	second, err := f.groupChat.MarkRead(context.Background(), f.actor(t, b), group.ID)
	require.NoError(t, err)
	require.Zero(t, second.Count)

	for _, row := range f.notificationsFor(t, b) {
		require.True(t, row.IsRead)
	}

	summary, err := f.chat.UnreadSummary(context.Background(), f.actor(t, b))
	require.NoError(t, err)
	require.Zero(t, summary.Group)
}

func TestGroupDeleteMessageChecksGroup(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	group := createGroup(t, f, a, b)

	result, err := f.groupChat.SendMessage(context.Background(), f.actor(t, a), dto.SendGroupMessageRequest{GroupID: group.ID, Content: "oops"}, "")
	require.NoError(t, err)

	_, err = f.groupChat.DeleteMessage(context.Background(), f.actor(t, a), group.ID+1, result.Message.ID)
	require.Equal(t, KindNotFound, KindOf(err))

	_, err = f.groupChat.DeleteMessage(context.Background(), f.actor(t, b), group.ID, result.Message.ID)
	require.Equal(t, KindAuthorization, KindOf(err))

	deleted, err := f.groupChat.DeleteMessage(context.Background(), f.actor(t, a), 0, result.Message.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeletedMessageContent, deleted.Content)
}

func TestGroupNotificationsSurviveLongGroupNames(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)

	name := strings.Repeat("Enterprise renewals ", 13)[:250]
	group, err := f.groupChat.Create(context.Background(), f.actor(t, a), dto.GroupCreateRequest{Name: name, ParticipantIDs: []uint{b.ID}})
	require.NoError(t, err)

	_, err = f.groupChat.SendMessage(context.Background(), f.actor(t, a), dto.SendGroupMessageRequest{GroupID: group.ID, Content: "renewal call at 4"}, "")
	require.NoError(t, err)

	rows := f.notificationsFor(t, b)
	require.Len(t, rows, 2)
	require.Equal(t, models.NotificationGroupAdded, rows[0].Type)
	require.Equal(t, models.NotificationNewGroupMessage, rows[1].Type)
	for _, row := range rows {
		require.LessOrEqual(t, utf8.RuneCountInString(row.Title), notificationTitleLength)
	}
	require.Equal(t, "renewal call at 4", rows[1].Message)
}

func TestGroupMarkReadIsIdempotent(t *testing.T) {
	f := newChatFixture(t)
	a := seedUser(t, f.db, 1, "Alice", RoleManager)
	b := seedUser(t, f.db, 1, "Bob", RoleAgent)
	group := createGroup(t, f, a, b)

	_, err := f.groupChat.SendMessage(context.Background(), f.actor(t, a), dto.SendGroupMessageRequest{GroupID: group.ID, Content: "one"}, "")
	require.NoError(t, err)

	watermark := func() time.Time {
		participant, err := f.groups.FindParticipant(context.Background(), group.ID, b.ID)
		require.NoError(t, err)
		require.NotNil(t, participant.LastReadAt)
		return *participant.LastReadAt
	}

	first, err := f.groupChat.MarkRead(context.Background(), f.actor(t, b), group.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Count)
	afterFirst := watermark()

	time.Sleep(5 * time.Millisecond)
	second, err := f.groupChat.MarkRead(context.Background(), f.actor(t, b), group.ID)
	require.NoError(t, err)
	require.Zero(t, second.Count)
	require.True(t, afterFirst.Equal(watermark()))

	_, err = f.groupChat.SendMessage(context.Background(), f.actor(t, a), dto.SendGroupMessageRequest{GroupID: group.ID, Content: "two"}, "")
	require.NoError(t, err)
	unread, err := f.groups.CountUnread(context.Background(), group.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), unread)
}
