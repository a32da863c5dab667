package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jetci/EMS-sub006/internal/models"
	"github.com/jetci/EMS-sub006/internal/observability"
)

// RedisBridge mirrors locally committed events onto a Redis channel and
// replays events from other API instances into the local hub, so a
// dispatcher console sees every assignment no matter which instance
// committed it. Each instance tags its envelopes with an origin id to
// skip its own loopback.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  *slog.Logger
}

type envelope struct {
	Origin string                 `json:"origin"`
	Event  models.TransitionEvent `json:"event"`
}

func NewRedisBridge(addr, password, channel, origin string, hub *Hub, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisBridge{client: c, channel: channel, origin: origin, hub: hub, logger: logger}
}

// Publish forwards a local event to the channel. Fire-and-forget.
func (b *RedisBridge) Publish(ev models.TransitionEvent) {
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Error("envelope marshal failed", "ride_id", ev.RideID, "error", err)
		return
	}
	go func() {
		if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
			observability.NotificationsTotal.WithLabelValues("redis", "error").Inc()
			b.logger.Warn("redis publish failed", "ride_id", ev.RideID, "error", err)
			return
		}
		observability.NotificationsTotal.WithLabelValues("redis", "ok").Inc()
	}()
}

// Run subscribes and replays remote events into the hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bad envelope on channel", "error", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.Publish(env.Event)
		}
	}
}

func (b *RedisBridge) Close() error { return b.client.Close() }
