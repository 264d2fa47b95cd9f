package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "room:"
	eventTTL      = 5 * time.Second
)

// MirrorEvent is the message published to Redis for every room broadcast.
type MirrorEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RoomChannel returns the Redis channel a room's events are mirrored to.
func RoomChannel(roomID string) string { return channelPrefix + roomID }

// RedisMirror publishes room events to Redis pub/sub for external observers
// such as projector displays. It does not feed events back into the hub.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisMirror creates a Redis mirror for room events.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, logger: logger, now: time.Now}
}

// PublishRoomEvent publishes an event to the room's Redis channel.
func (r *RedisMirror) PublishRoomEvent(roomID, event string, payload []byte) error {
	body, err := json.Marshal(MirrorEvent{Event: event, Data: payload, At: r.now().UnixMilli()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, RoomChannel(roomID), body).Err()
}

// SubscribeRoom subscribes to a room's channel and calls handler for each event.
// Returns a cancel function to stop the subscription.
func (r *RedisMirror) SubscribeRoom(ctx context.Context, roomID string, handler func(MirrorEvent)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, RoomChannel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev MirrorEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Debug("skip malformed mirror event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return cancelCtx, nil
}
