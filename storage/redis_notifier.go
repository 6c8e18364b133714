package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const reconnectDelay = time.Second

type updateMessage struct {
	UserID string `json:"UserId"`
}

// RedisNotifier carries change signals over one Redis pub/sub channel and
// demultiplexes them to per-user listeners.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *log.Logger
}

// NewRedisNotifier returns a notifier on channel. Run must be started for
// Listen to receive anything.
func NewRedisNotifier(client *redis.Client, channel string, logger *log.Logger) *RedisNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisNotifier{client: client, channel: channel, hub: NewHub(), logger: logger}
}

func (n *RedisNotifier) Listen(ctx context.Context, userID string) <-chan struct{} {
	return n.hub.Listen(ctx, userID)
}

// Publish announces that userID's tasks changed.
func (n *RedisNotifier) Publish(ctx context.Context, userID string) error {
	payload, err := json.Marshal(updateMessage{UserID: userID})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Run relays channel messages to listeners until ctx is done, resubscribing
// whenever the pub/sub connection drops.
func (n *RedisNotifier) Run(ctx context.Context) {
	for {
		sub := n.client.Subscribe(ctx, n.channel)
		if _, err := sub.Receive(ctx); err != nil {
			n.logger.WithError(err).WithField("channel", n.channel).Error("subscribe to updates channel")
		} else {
			n.relay(ctx, sub.Channel())
		}
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		n.logger.WithField("channel", n.channel).Warn("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (n *RedisNotifier) relay(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev updateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.UserID == "" {
				n.logger.WithField("payload", msg.Payload).Warn("unable to parse update")
				continue
			}
			n.hub.Notify(ev.UserID)
		}
	}
}
