package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/crm-realtime-api/internal/config"
	"github.com/noah-isme/crm-realtime-api/internal/database"
	"github.com/noah-isme/crm-realtime-api/internal/handler"
	"github.com/noah-isme/crm-realtime-api/internal/middleware"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
	"github.com/noah-isme/crm-realtime-api/internal/repository"
	"github.com/noah-isme/crm-realtime-api/internal/router"
	"github.com/noah-isme/crm-realtime-api/internal/service"
	"github.com/noah-isme/crm-realtime-api/internal/utils"
)

type apiFixture struct {
	app      *fiber.App
	db       *gorm.DB
	registry *realtime.Registry
}

// testAuth stands in for JWT validation: the caller is named by headers.
func testAuth(c *fiber.Ctx) error {
	raw := c.Get("X-User-ID")
	if raw == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
	}
	c.Locals(middleware.LocalUserID, uint(id))
	if role := c.Get("X-User-Role"); role != "" {
		c.Locals(middleware.LocalUserRole, role)
	}
	return c.Next()
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)), database.GormConfig())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())
	registry := realtime.NewRegistry(logger)

	users := repository.NewUserRepository(db)
	conversations := repository.NewConversationRepository(db)
	groups := repository.NewGroupRepository(db)

	membership := service.NewMembershipService(users, conversations, groups, logger)
	presence := service.NewPresenceService(users, registry, time.Minute, time.Second, logger)
	registry.SetPresenceHook(presence)
	notifications := service.NewNotificationService(repository.NewNotificationRepository(db), registry, validate, logger)

	deps := service.ChatDependencies{
		Membership:    membership,
		Conversations: conversations,
		Groups:        groups,
		Notifications: notifications,
		Emitter:       registry,
		Sequencer:     realtime.NewRoomSequencer(),
		Attachments:   service.NewAttachmentPolicy(1024*1024, []string{"image/*", "application/pdf"}),
		Validator:     validate,
		Logger:        logger,
	}
	chat := service.NewChatService(deps)
	groupChat := service.NewGroupChatService(deps)
	gateway := service.NewGatewayService(registry, presence, membership, chat, groupChat, realtime.MustContract(), service.GatewayConfig{HeartbeatInterval: time.Second}, logger)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", AppEnv: "test"}, router.Dependencies{
		ChatHandler:         handler.NewChatHandler(chat, gateway, membership, nil, logger),
		GroupHandler:        handler.NewGroupHandler(groupChat, membership, nil, logger),
		NotificationHandler: handler.NewNotificationHandler(notifications, membership, logger, time.Second),
		PresenceHandler:     handler.NewPresenceHandler(presence, membership, logger),
		Connections:         registry,
		NodeID:              "node-test",
		JWTMiddleware:       testAuth,
	})

	return &apiFixture{app: app, db: db, registry: registry}
}

func (f *apiFixture) seedUser(t *testing.T, organizationID uint, name, role string) models.User {
	t.Helper()
	user := models.User{
		OrganizationID: organizationID,
		Name:           name,
		Email:          strings.ToLower(name) + "@crm.local",
		Role:           role,
		IsActive:       true,
	}
	require.NoError(t, f.db.Create(&user).Error)
	return user
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details struct {
		Code               string `json:"code"`
		RequiredPermission string `json:"required_permission"`
	} `json:"details"`
	Message string `json:"message"`
}

func (f *apiFixture) call(t *testing.T, user models.User, method, path string, body interface{}) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user.ID != 0 {
		req.Header.Set("X-User-ID", strconv.FormatUint(uint64(user.ID), 10))
		req.Header.Set("X-User-Role", user.Role)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode, decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	var out envelope
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func decodeData(t *testing.T, body envelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(body.Data, target))
}
