package chathub

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DeliverChannel is the pub/sub channel (or NATS subject) carrying frames between nodes.
const DeliverChannel = "anonchat.deliver"

// Bus forwards frames for users that are connected to another node.
type Bus interface {
	Publish(ctx context.Context, userID string, frame []byte) error
	// Subscribe blocks, handing every foreign frame to deliver, until ctx is done.
	Subscribe(ctx context.Context, deliver func(userID string, frame []byte)) error
	Close() error
}

type busMessage struct {
	Origin string          `json:"origin"`
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
}

func encodeBusMessage(origin, userID string, frame []byte) ([]byte, error) {
	b, err := json.Marshal(busMessage{Origin: origin, UserID: userID, Frame: frame})
	return b, errors.Wrap(err, "encode bus message")
}

// decodeBusMessage returns ok=false for garbage and for messages this node published itself.
func decodeBusMessage(nodeID string, data []byte) (busMessage, bool) {
	var m busMessage
	if err := json.Unmarshal(data, &m); err != nil || m.UserID == "" {
		return m, false
	}
	return m, m.Origin != nodeID
}

// RedisBus is a Bus over Redis Pub/Sub.
type RedisBus struct {
	rdb    redis.UniversalClient
	nodeID string
	log    *zap.Logger
}

func NewRedisBus(rdb redis.UniversalClient, nodeID string, log *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, nodeID: nodeID, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, frame []byte) error {
	payload, err := encodeBusMessage(b.nodeID, userID, frame)
	if err != nil {
		return err
	}
	return errors.Wrap(b.rdb.Publish(ctx, DeliverChannel, payload).Err(), "redis publish")
}

// Subscribe слухає канал доставки до скасування контексту.
func (b *RedisBus) Subscribe(ctx context.Context, deliver func(userID string, frame []byte)) error {
	pubsub := b.rdb.Subscribe(ctx, DeliverChannel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed so no early publish is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, "redis subscribe")
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m, ok := decodeBusMessage(b.nodeID, []byte(msg.Payload))
			if !ok {
				continue
			}
			deliver(m.UserID, m.Frame)
		}
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error { return nil }
