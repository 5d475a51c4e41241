package redis

import (
	"context"
	"encoding/json"

	"bidwatch/internal/domain"

	"github.com/go-redis/redis/v8"
)

const updatesChannel = "bidwatch_updates"

// RedisEventMirror republishes every state change on a Redis channel so
// out-of-process consumers (dashboards) can follow without a websocket into
// this service.
type RedisEventMirror struct {
	client *redis.Client
}

func NewEventMirror(client *redis.Client) *RedisEventMirror {
	return &RedisEventMirror{client: client}
}

func (r *RedisEventMirror) PublishUpdate(ctx context.Context, msg *domain.PushMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, updatesChannel, data).Err()
}
