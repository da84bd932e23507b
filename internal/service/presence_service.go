package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/observability"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
	"github.com/noah-isme/crm-realtime-api/internal/repository"
)

// Presence change reasons carried on presence-changed.
const (
	PresenceReasonConnected    = "connected"
	PresenceReasonDisconnected = "disconnected"
	PresenceReasonHeartbeat    = "heartbeat"
	PresenceReasonStale        = "stale"
	PresenceReasonSnapshot     = "snapshot"
)

// PresenceService owns the online/offline projection of users.
type PresenceService interface {
	realtime.PresenceHook
	Heartbeat(ctx context.Context, conn *realtime.Connection) error
	Sweep(ctx context.Context) (dto.SweepResponse, error)
	OrganizationPresence(ctx context.Context, organizationID uint) (dto.PresencePayload, error)
	StaleThreshold() time.Duration
	Start(ctx context.Context)
}

type presenceService struct {
	users     repository.UserRepository
	registry  ConnectionRegistry
	threshold time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewPresenceService constructs the presence manager. Users whose presence is older than
// threshold are swept offline every interval.
func NewPresenceService(users repository.UserRepository, registry ConnectionRegistry, threshold, interval time.Duration, logger zerolog.Logger) PresenceService {
	if threshold <= 0 {
		threshold = 125 * time.Second
	}
	if interval <= 0 {
		interval = threshold / 5
	}
	return &presenceService{
		users:     users,
		registry:  registry,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With().Str("component", "presence_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/crm-realtime-api/internal/service/presence"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *presenceService) StaleThreshold() time.Duration {
	return s.threshold
}

func (s *presenceService) ConnectionOpened(ctx context.Context, conn *realtime.Connection) {
	at := s.now()
	conn.Touch(at)
	changed, err := s.users.MarkOnline(ctx, conn.UserID(), at)
	if err != nil {
		s.logger.Error().Err(err).Uint("user_id", conn.UserID()).Msg("failed to mark user online")
		return
	}
	if changed {
		s.announce(conn.OrganizationID(), dto.PresenceEntry{UserID: conn.UserID(), IsOnline: true, LastSeen: &at}, PresenceReasonConnected)
	}
}

func (s *presenceService) ConnectionClosed(ctx context.Context, conn *realtime.Connection) {
	at := s.now()
	changed, err := s.users.MarkOffline(ctx, conn.UserID(), at)
	if err != nil {
		s.logger.Error().Err(err).Uint("user_id", conn.UserID()).Msg("failed to mark user offline")
		return
	}
	if changed {
		s.announce(conn.OrganizationID(), dto.PresenceEntry{UserID: conn.UserID(), IsOnline: false, LastSeen: &at}, PresenceReasonDisconnected)
	}
}

// Heartbeat refreshes the connection and re-asserts the user online.
func (s *presenceService) Heartbeat(ctx context.Context, conn *realtime.Connection) error {
	at := s.now()
	conn.Touch(at)
	changed, err := s.users.MarkOnline(ctx, conn.UserID(), at)
	if err != nil {
		return storeError(err, "presence")
	}
	if changed {
		s.announce(conn.OrganizationID(), dto.PresenceEntry{UserID: conn.UserID(), IsOnline: true, LastSeen: &at}, PresenceReasonHeartbeat)
	}
	return nil
}

// Sweep evicts local connections that stopped heartbeating and flips every user whose
// presence timestamp is older than the threshold offline.
func (s *presenceService) Sweep(ctx context.Context) (dto.SweepResponse, error) {
	ctx, span := s.tracer.Start(ctx, "presence.sweep")
	defer span.End()

	now := s.now()
	cutoff := now.Add(-s.threshold)
	result := dto.SweepResponse{}

	for _, conn := range s.registry.StaleConnections(cutoff) {
		if s.registry.Unregister(ctx, conn) {
			result.ConnectionsEvicted++
			s.logger.Info().Uint("user_id", conn.UserID()).Str("connection_id", conn.ID()).Msg("evicted stale connection")
		}
	}

	stale, err := s.users.ListStaleOnline(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return result, storeError(err, "presence")
	}

	for _, user := range stale {
		changed, err := s.users.MarkOfflineIfStale(ctx, user.ID, cutoff, now)
		if err != nil {
			s.logger.Warn().Err(err).Uint("user_id", user.ID).Msg("failed to mark stale user offline")
			continue
		}
		if !changed {
			continue
		}
		result.UsersMarkedOffline++
		s.announce(user.OrganizationID, dto.PresenceEntry{UserID: user.ID, IsOnline: false, LastSeen: user.LastSeen}, PresenceReasonStale)
	}

	span.SetAttributes(
		attribute.Int("presence.evicted", result.ConnectionsEvicted),
		attribute.Int("presence.offline", result.UsersMarkedOffline),
	)
	return result, nil
}

func (s *presenceService) OrganizationPresence(ctx context.Context, organizationID uint) (dto.PresencePayload, error) {
	users, err := s.users.ListByOrganization(ctx, organizationID)
	if err != nil {
		return dto.PresencePayload{}, storeError(err, "presence")
	}

	entries := make([]dto.PresenceEntry, 0, len(users))
	for _, user := range users {
		entries = append(entries, dto.NewPresenceEntry(user))
	}
	return dto.PresencePayload{OrganizationID: organizationID, Users: entries, Reason: PresenceReasonSnapshot}, nil
}

// Start runs the sweep on its own ticker until ctx is cancelled.
func (s *presenceService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error().Err(err).Msg("presence sweep failed")
					continue
				}
				if result.UsersMarkedOffline > 0 || result.ConnectionsEvicted > 0 {
					s.logger.Info().
						Int("users_marked_offline", result.UsersMarkedOffline).
						Int("connections_evicted", result.ConnectionsEvicted).
						Msg("presence sweep completed")
				}
			}
		}
	}()
}

func (s *presenceService) announce(organizationID uint, entry dto.PresenceEntry, reason string) {
	state := "offline"
	if entry.IsOnline {
		state = "online"
	}
	observability.PresenceTransitions().WithLabelValues(state, reason).Inc()

	payload := dto.PresencePayload{OrganizationID: organizationID, Users: []dto.PresenceEntry{entry}, Reason: reason}
	s.registry.EmitToRoom(realtime.OrganizationRoom(organizationID), realtime.NewEvent(realtime.EventPresenceChanged, payload))
}
