package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/config"
	"github.com/noah-isme/crm-realtime-api/internal/database"
	"github.com/noah-isme/crm-realtime-api/internal/handler"
	"github.com/noah-isme/crm-realtime-api/internal/middleware"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
	"github.com/noah-isme/crm-realtime-api/internal/repository"
	"github.com/noah-isme/crm-realtime-api/internal/router"
	"github.com/noah-isme/crm-realtime-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	registry := realtime.NewRegistry(logger)
	fanout := realtime.NewFanout(redisClient, natsConn, cfg.RealtimeChannel, logger)
	if fanout.Enabled() {
		if err := fanout.Start(rootCtx, registry); err != nil {
			log.Fatalf("failed to start realtime fan-out: %v", err)
		}
		registry.SetPublisher(fanout)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	userRepo := repository.NewUserRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	membershipService := service.NewMembershipService(userRepo, conversationRepo, groupRepo, logger)
	presenceService := service.NewPresenceService(userRepo, registry, cfg.StaleThreshold, cfg.SweepInterval, logger)
	registry.SetPresenceHook(presenceService)
	notificationService := service.NewNotificationService(notificationRepo, registry, validate, logger)

	chatDeps := service.ChatDependencies{
		Membership:    membershipService,
		Conversations: conversationRepo,
		Groups:        groupRepo,
		Notifications: notificationService,
		Emitter:       registry,
		Sequencer:     realtime.NewRoomSequencer(),
		Attachments:   service.NewAttachmentPolicy(cfg.MaxAttachmentBytes(), cfg.AllowedMIMETypes),
		Validator:     validate,
		Logger:        logger,
	}
	chatService := service.NewChatService(chatDeps)
	groupChatService := service.NewGroupChatService(chatDeps)
	gatewayService := service.NewGatewayService(registry, presenceService, membershipService, chatService, groupChatService, realtime.MustContract(), service.GatewayConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBufferSize,
	}, logger)

	presenceService.Start(rootCtx)

	sendLimit := middleware.RateLimit("chat-send", cfg.ChatRateLimit, cfg.ChatRateWindow)
	chatHandler := handler.NewChatHandler(chatService, gatewayService, membershipService, sendLimit, logger)
	groupHandler := handler.NewGroupHandler(groupChatService, membershipService, sendLimit, logger)
	notificationHandler := handler.NewNotificationHandler(notificationService, membershipService, logger, cfg.NotificationKeepAlive)
	presenceHandler := handler.NewPresenceHandler(presenceService, membershipService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:         chatHandler,
		GroupHandler:        groupHandler,
		NotificationHandler: notificationHandler,
		PresenceHandler:     presenceHandler,
		Connections:         registry,
		NodeID:              fanout.NodeID(),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, func() {
		stopBackground()
		registry.CloseAll()
	})
}

func waitForShutdown(app *fiber.App, beforeShutdown func()) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	beforeShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
