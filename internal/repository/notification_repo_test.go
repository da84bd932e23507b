package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

func TestNotificationRepositoryReadStateAndSubjects(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	chat := models.Notification{
		Type:           models.NotificationNewDirectMessage,
		RecipientID:    2,
		OrganizationID: 1,
		Title:          "New message",
		Message:        "hello",
		Metadata:       datatypes.JSONMap{"conversation_id": 5},
		SubjectType:    models.SubjectConversation,
		SubjectID:      5,
	}
	lead := models.Notification{Type: models.NotificationLeadAssigned, RecipientID: 2, OrganizationID: 1, Title: "Lead", Message: "assigned"}
	other := models.Notification{Type: models.NotificationSystem, RecipientID: 3, OrganizationID: 1, Title: "System", Message: "hi"}
	for _, item := range []*models.Notification{&chat, &lead, &other} {
		require.NoError(t, repo.Create(ctx, item))
	}

	unread, err := repo.CountUnread(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), unread)

	cleared, err := repo.MarkSubjectRead(ctx, 2, models.SubjectConversation, 5, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)

	items, err := repo.ListByRecipient(ctx, 2, NotificationFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, lead.ID, items[0].ID)

	_, err = repo.MarkRead(ctx, lead.ID, 3, time.Now().UTC())
	require.Error(t, err)

	marked, err := repo.MarkRead(ctx, lead.ID, 2, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, marked.IsRead)

	require.NoError(t, repo.SoftDelete(ctx, chat.ID, 2))
	require.Error(t, repo.SoftDelete(ctx, chat.ID, 2))

	all, err := repo.ListByRecipient(ctx, 2, NotificationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	affected, err := repo.MarkAllRead(ctx, 3, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	stored, err := repo.FindByID(ctx, other.ID)
	require.NoError(t, err)
	require.True(t, stored.IsRead)
}
