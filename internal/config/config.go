package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName               string
	AppEnv                string
	AppPort               string
	LogLevel              string
	DatabaseDriver        string
	DatabaseURL           string
	RedisURL              string
	NATSURL               string
	RealtimeChannel       string
	JWTSecret             string
	HeartbeatInterval     time.Duration
	StaleThreshold        time.Duration
	SweepInterval         time.Duration
	SendBufferSize        int
	MaxAttachmentMB       int
	AllowedMIMETypes      []string
	ChatRateLimit         int
	ChatRateWindow        time.Duration
	NotificationKeepAlive time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// MaxAttachmentBytes converts the configured attachment ceiling into bytes.
func (c Config) MaxAttachmentBytes() int64 {
	return int64(c.MaxAttachmentMB) * 1024 * 1024
}

var defaultMIMETypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"text/csv",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/zip",
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CRM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "CRM Realtime API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("realtime.channel", "crm:realtime")
	v.SetDefault("realtime.heartbeat_interval", "25s")
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("attachments.max_size_mb", 25)
	v.SetDefault("chat.rate_limit", 30)
	v.SetDefault("chat.rate_window", "10s")
	v.SetDefault("notifications.keepalive", "30s")

	heartbeat, err := parseDuration(v, "realtime.heartbeat_interval", 25*time.Second)
	if err != nil {
		return Config{}, err
	}

	// stale threshold defaults to five missed heartbeats
	stale, err := parseDuration(v, "realtime.stale_threshold", 5*heartbeat)
	if err != nil {
		return Config{}, err
	}

	sweep, err := parseDuration(v, "realtime.sweep_interval", heartbeat)
	if err != nil {
		return Config{}, err
	}

	rateWindow, err := parseDuration(v, "chat.rate_window", 10*time.Second)
	if err != nil {
		return Config{}, err
	}

	keepAlive, err := parseDuration(v, "notifications.keepalive", 30*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		LogLevel:              strings.ToLower(v.GetString("log.level")),
		DatabaseDriver:        strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		NATSURL:               v.GetString("nats.url"),
		RealtimeChannel:       v.GetString("realtime.channel"),
		JWTSecret:             v.GetString("jwt.secret"),
		HeartbeatInterval:     heartbeat,
		StaleThreshold:        stale,
		SweepInterval:         sweep,
		SendBufferSize:        v.GetInt("realtime.send_buffer"),
		MaxAttachmentMB:       v.GetInt("attachments.max_size_mb"),
		AllowedMIMETypes:      splitList(v.GetString("attachments.allowed_mime_types")),
		ChatRateLimit:         v.GetInt("chat.rate_limit"),
		ChatRateWindow:        rateWindow,
		NotificationKeepAlive: keepAlive,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.StaleThreshold <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("stale threshold %s must exceed heartbeat interval %s", cfg.StaleThreshold, cfg.HeartbeatInterval)
	}

	if len(cfg.AllowedMIMETypes) == 0 {
		cfg.AllowedMIMETypes = append([]string(nil), defaultMIMETypes...)
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}

	if cfg.MaxAttachmentMB <= 0 {
		cfg.MaxAttachmentMB = 25
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}

	return parsed, nil
}

func splitList(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
