package chathub

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NATSBus is a Bus over core NATS publish/subscribe.
type NATSBus struct {
	conn   *nats.Conn
	nodeID string
	log    *zap.Logger
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, nodeID string, log *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("anonchat-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats at %s", url)
	}
	return &NATSBus{conn: conn, nodeID: nodeID, log: log}, nil
}

func (b *NATSBus) Publish(_ context.Context, userID string, frame []byte) error {
	payload, err := encodeBusMessage(b.nodeID, userID, frame)
	if err != nil {
		return err
	}
	return errors.Wrap(b.conn.Publish(DeliverChannel, payload), "nats publish")
}

func (b *NATSBus) Subscribe(ctx context.Context, deliver func(userID string, frame []byte)) error {
	sub, err := b.conn.Subscribe(DeliverChannel, func(msg *nats.Msg) {
		m, ok := decodeBusMessage(b.nodeID, msg.Data)
		if !ok {
			return
		}
		deliver(m.UserID, m.Frame)
	})
	if err != nil {
		return errors.Wrap(err, "nats subscribe")
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("nats unsubscribe", zap.Error(err))
		}
	}()

	<-ctx.Done()
	return nil
}

func (b *NATSBus) Close() error {
	return errors.Wrap(b.conn.Drain(), "drain nats")
}
