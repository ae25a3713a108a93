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
	channelPrefix  = "verify:"
	publishTimeout = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance score fan-out.
type redisPayload struct {
	Data json.RawMessage `json:"data"`
	At   int64           `json:"at"`
}

// RedisPubSub fans verification scores out across relay instances.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for verification scores.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// PublishScore publishes an encoded score message to the meeting's channel.
func (r *RedisPubSub) PublishScore(meetingID string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+meetingID, body).Err()
}

// SubscribeMeeting calls handler for every score published for the meeting until cancel
// is called. ctx bounds only the subscribe round-trip.
func (r *RedisPubSub) SubscribeMeeting(ctx context.Context, meetingID string, handler func(payload []byte)) (cancel func(), err error) {
	pubsub := r.client.Subscribe(ctx, channelPrefix+meetingID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ctx, cancelCtx := context.WithCancel(context.Background())
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
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("skip malformed redis payload", zap.Error(err))
					continue
				}
				handler(p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
