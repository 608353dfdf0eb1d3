package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"atrium-realtime/internal/model"
)

func changesKey(channel string) string {
	return "changes:" + channel
}

// PublishChange broadcasts a committed trace mutation on channel
func (r *RedisClient) PublishChange(ctx context.Context, channel string, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, changesKey(channel), data).Err()
}

// SubscribeChanges subscribes to channel and waits for the confirmation
func (r *RedisClient) SubscribeChanges(ctx context.Context, channel string) (*redis.PubSub, error) {
	sub := r.client.Subscribe(ctx, changesKey(channel))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe changes %s: %w", channel, err)
	}
	return sub, nil
}

// DecodeChange decodes a pub/sub payload
func DecodeChange(payload string) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return model.ChangeEvent{}, err
	}
	return ev, nil
}
