package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the pub/sub channel approval notifications go to.
const DefaultChannel = "plan-approvals:notifications"

type notificationMessage struct {
	Recipients   []string     `json:"recipients"`
	Notification Notification `json:"notification"`
	SentAt       time.Time    `json:"sentAt"`
}

// RedisNotifier publishes notifications on a Redis channel for whatever
// delivers them to people (mail, chat).
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
}

func NewRedisNotifier(client redis.Cmdable, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, recipients []string, n Notification) error {
	b, err := json.Marshal(notificationMessage{Recipients: recipients, Notification: n, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("publish notification for task %s: %w", n.TaskID, err)
	}
	return nil
}

func (r *RedisNotifier) Channel() string {
	return r.channel
}
