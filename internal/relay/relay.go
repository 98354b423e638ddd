package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"casewire/pkg/types"
)

// frame is what travels over the redis channel. Origin lets every
// consumer drop its own announcements so the publishing process never
// double-delivers to connections it already reached locally.
type frame struct {
	Origin string         `json:"origin"`
	CaseID string         `json:"case_id"`
	Event  types.Envelope `json:"event"`
}

// Config holds relay settings.
type Config struct {
	Addr     string
	Password string
	Channel  string
}

// Redis is the relay implementation over redis pub/sub. Delivery is
// at-most-once, best-effort: there is no durable queue behind it, and a
// process that was down when an event fired simply misses it.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

// NewRedis creates a relay bound to one redis channel. Each process
// instance gets a fresh origin id.
func NewRedis(cfg Config, logger *zap.Logger) *Redis {
	channel := cfg.Channel
	if channel == "" {
		channel = "casewire.events"
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
		}),
		channel: channel,
		origin:  uuid.New().String(),
		logger:  logger,
	}
}

// Publish implements interfaces.Relay.
func (r *Redis) Publish(ctx context.Context, caseID string, env types.Envelope) error {
	data, err := json.Marshal(frame{Origin: r.origin, CaseID: caseID, Event: env})
	if err != nil {
		return fmt.Errorf("marshal relay frame: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish relay frame: %w", err)
	}
	return nil
}

// Start implements interfaces.Relay. It subscribes, confirms the
// subscription, and consumes until ctx ends. Undecodable frames are
// dropped with a log line; the relay never escalates.
func (r *Redis) Start(ctx context.Context, deliver func(caseID string, env types.Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe relay channel: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f frame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					r.logger.Warn("undecodable relay frame", zap.Error(err))
					continue
				}
				if f.Origin == r.origin {
					continue
				}
				deliver(f.CaseID, f.Event)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// HealthCheck verifies redis reachability.
func (r *Redis) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop is the relay used by single-process deployments: publishing
// succeeds silently and nothing is ever consumed.
type Noop struct{}

// Publish implements interfaces.Relay.
func (Noop) Publish(context.Context, string, types.Envelope) error { return nil }

// Start implements interfaces.Relay.
func (Noop) Start(context.Context, func(string, types.Envelope)) error { return nil }
