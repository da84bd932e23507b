package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/observability"
)

const (
	fanoutPublishTimeout = 2 * time.Second
	fanoutDedupWindow    = time.Minute
	fanoutQueueSize      = 1024
)

// Sink receives events relayed from other nodes.
type Sink interface {
	Deliver(room Room, event Event, except uint) int
}

// Fanout relays room events between API nodes over Redis pub/sub and/or NATS.
// Either backend may be nil.
type Fanout struct {
	redis   *redis.Client
	channel string
	nats    *nats.Conn
	subject string
	nodeID  string
	logger  zerolog.Logger
	queue   chan fanoutEnvelope

	seenMu sync.Mutex
	seen   map[string]time.Time
}

type fanoutEnvelope struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Room   string    `json:"room"`
	Except uint      `json:"except,omitempty"`
	Event  Event     `json:"event"`
	SentAt time.Time `json:"sent_at"`
}

type inboundEnvelope struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Room   string `json:"room"`
	Except uint   `json:"except,omitempty"`
	Event  struct {
		Type      string          `json:"type"`
		RequestID string          `json:"request_id,omitempty"`
		Data      json.RawMessage `json:"data,omitempty"`
	} `json:"event"`
}

// NewFanout builds a relay. channelBase names the Redis channel; its NATS subject uses dots.
func NewFanout(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *Fanout {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}

	return &Fanout{
		redis:   redisClient,
		channel: channel,
		nats:    natsConn,
		subject: subject,
		nodeID:  uuid.NewString(),
		logger:  logger.With().Str("component", "realtime_fanout").Logger(),
		seen:    make(map[string]time.Time),
		queue:   make(chan fanoutEnvelope, fanoutQueueSize),
	}
}

// NodeID identifies this node on the relay.
func (f *Fanout) NodeID() string {
	return f.nodeID
}

// Enabled reports whether at least one backend is configured.
func (f *Fanout) Enabled() bool {
	return f.redisEnabled() || f.natsEnabled()
}

func (f *Fanout) redisEnabled() bool { return f.redis != nil && f.channel != "" }
func (f *Fanout) natsEnabled() bool  { return f.nats != nil && f.subject != "" }

// Publish queues a locally emitted event for the relay worker started by Start. It never
// blocks: when the queue is full the event is dropped and counted.
func (f *Fanout) Publish(room Room, event Event, except uint) {
	if !f.Enabled() {
		return
	}

	envelope := fanoutEnvelope{
		ID:     uuid.NewString(),
		Source: f.nodeID,
		Room:   room.String(),
		Except: except,
		Event:  event,
		SentAt: time.Now().UTC(),
	}
	select {
	case f.queue <- envelope:
	default:
		observability.RealtimeEventsDropped().WithLabelValues("fanout_queue_full").Inc()
		f.logger.Warn().Str("event", event.Type).Str("room", envelope.Room).Msg("fanout queue full, dropping event")
	}
}

func (f *Fanout) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-f.queue:
			f.send(envelope)
		}
	}
}

// send writes one envelope to every backend. Failures are logged and never reach the emitter.
func (f *Fanout) send(envelope fanoutEnvelope) {
	event := envelope.Event
	payload, err := json.Marshal(envelope)
	if err != nil {
		f.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to encode fanout envelope")
		return
	}

	if f.redisEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), fanoutPublishTimeout)
		err := f.redis.Publish(ctx, f.channel, payload).Err()
		cancel()
		if err != nil {
			f.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to publish event to redis")
		} else {
			observability.FanoutEvents().WithLabelValues("redis", "out").Inc()
		}
	}

	if f.natsEnabled() {
		if err := f.nats.Publish(f.subject, payload); err != nil {
			f.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to publish event to nats")
		} else {
			observability.FanoutEvents().WithLabelValues("nats", "out").Inc()
		}
	}
}

// Start runs the publish worker and subscribes to the configured backends, relaying foreign
// events into sink until ctx ends. Subscriptions are confirmed before Start returns.
func (f *Fanout) Start(ctx context.Context, sink Sink) error {
	if !f.Enabled() {
		return nil
	}
	go f.publishLoop(ctx)

	if f.redisEnabled() {
		pubsub := f.redis.Subscribe(ctx, f.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return err
		}
		go f.consumeRedis(ctx, pubsub, sink)
	}

	if f.natsEnabled() {
		// every node needs every event, so this is a plain subscription rather than a queue group
		sub, err := f.nats.Subscribe(f.subject, func(msg *nats.Msg) {
			f.handle(msg.Data, sink, "nats")
		})
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			if err := sub.Drain(); err != nil {
				f.logger.Warn().Err(err).Msg("failed to drain nats subscription")
			}
		}()
	}
	return nil
}

func (f *Fanout) consumeRedis(ctx context.Context, pubsub *redis.PubSub, sink Sink) {
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			f.logger.Error().Err(err).Msg("redis fanout subscription closed")
			return
		}
		f.handle([]byte(msg.Payload), sink, "redis")
	}
}

func (f *Fanout) handle(payload []byte, sink Sink, backend string) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		f.logger.Warn().Err(err).Str("backend", backend).Msg("invalid fanout envelope")
		return
	}
	if envelope.Source == f.nodeID || !f.firstSighting(envelope.ID) {
		return
	}

	room, err := ParseRoom(envelope.Room)
	if err != nil {
		f.logger.Warn().Err(err).Str("backend", backend).Msg("fanout envelope carries invalid room")
		return
	}

	observability.FanoutEvents().WithLabelValues(backend, "in").Inc()
	event := Event{Type: envelope.Event.Type, RequestID: envelope.Event.RequestID}
	if len(envelope.Event.Data) > 0 {
		event.Data = envelope.Event.Data
	}
	sink.Deliver(room, event, envelope.Except)
}

// firstSighting reports whether an envelope id has not been relayed yet; with both
// backends configured every envelope arrives twice.
func (f *Fanout) firstSighting(id string) bool {
	if id == "" {
		return true
	}

	now := time.Now()
	f.seenMu.Lock()
	defer f.seenMu.Unlock()

	if _, ok := f.seen[id]; ok {
		return false
	}
	if len(f.seen) >= 1024 {
		for key, at := range f.seen {
			if now.Sub(at) > fanoutDedupWindow {
				delete(f.seen, key)
			}
		}
	}
	f.seen[id] = now
	return true
}
