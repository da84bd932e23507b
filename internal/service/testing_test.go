package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/crm-realtime-api/internal/database"
	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
	"github.com/noah-isme/crm-realtime-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)), database.GormConfig())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedUser(t *testing.T, db *gorm.DB, organizationID uint, name, role string) models.User {
	t.Helper()
	user := models.User{
		OrganizationID: organizationID,
		Name:           name,
		Email:          strings.ToLower(name) + "@crm.local",
		Role:           role,
		IsActive:       true,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

type nopTransport struct{}

func (nopTransport) WriteJSON(interface{}) error               { return nil }
func (nopTransport) WriteControl(int, []byte, time.Time) error { return nil }
func (nopTransport) SetWriteDeadline(time.Time) error          { return nil }
func (nopTransport) Close() error                              { return nil }

type chatFixture struct {
	db            *gorm.DB
	registry      *realtime.Registry
	users         repository.UserRepository
	conversations repository.ConversationRepository
	groups        repository.GroupRepository
	notifications repository.NotificationRepository
	membership    MembershipService
	notifier      NotificationService
	chat          ChatService
	groupChat     GroupChatService
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	db := setupTestDB(t)
	validate := validator.New()
	registry := realtime.NewRegistry(testLogger())

	f := &chatFixture{
		db:            db,
		registry:      registry,
		users:         repository.NewUserRepository(db),
		conversations: repository.NewConversationRepository(db),
		groups:        repository.NewGroupRepository(db),
		notifications: repository.NewNotificationRepository(db),
	}
	f.membership = NewMembershipService(f.users, f.conversations, f.groups, testLogger())
	f.notifier = NewNotificationService(f.notifications, registry, validate, testLogger())

	deps := ChatDependencies{
		Membership:    f.membership,
		Conversations: f.conversations,
		Groups:        f.groups,
		Notifications: f.notifier,
		Emitter:       registry,
		Sequencer:     realtime.NewRoomSequencer(),
		Attachments:   NewAttachmentPolicy(1024*1024, []string{"image/*", "application/pdf"}),
		Validator:     validate,
		Logger:        testLogger(),
	}
	f.chat = NewChatService(deps)
	f.groupChat = NewGroupChatService(deps)
	return f
}

func (f *chatFixture) actor(t *testing.T, user models.User) Actor {
	t.Helper()
	actor, err := f.membership.ResolveActor(context.Background(), user.ID)
	require.NoError(t, err)
	return actor
}

func (f *chatFixture) connect(t *testing.T, user models.User) *realtime.Connection {
	t.Helper()
	conn := realtime.NewConnection(user.ID, user.OrganizationID, nopTransport{}, 64)
	require.NoError(t, f.registry.Register(context.Background(), conn))
	t.Cleanup(conn.Close)
	return conn
}

func (f *chatFixture) conversation(t *testing.T, a, b models.User) uint {
	t.Helper()
	loaded, _, err := f.chat.OpenConversation(context.Background(), f.actor(t, a), dto.GetOrCreateConversationRequest{PeerID: b.ID})
	require.NoError(t, err)
	return loaded.Conversation.ID
}

func (f *chatFixture) notificationsFor(t *testing.T, user models.User) []models.Notification {
	t.Helper()
	var rows []models.Notification
	require.NoError(t, f.db.Where("recipient_id = ?", user.ID).Order("id").Find(&rows).Error)
	return rows
}

// drain returns every event queued on conn without blocking.
func drain(conn *realtime.Connection) []realtime.Event {
	var events []realtime.Event
	for {
		select {
		case event := <-conn.Outbound():
			events = append(events, event)
		default:
			return events
		}
	}
}

func ofType(events []realtime.Event, eventType string) []realtime.Event {
	var out []realtime.Event
	for _, event := range events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
