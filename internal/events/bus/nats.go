package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/common/logger"
)

// NATSBus is the NATS-backed EventBus for multi-node fleets.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

var _ EventBus = (*NATSBus)(nil)

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url, clientID string, maxReconnects int, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}

	conn, err := nats.Connect(url,
		nats.Name(clientID),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("event bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("event bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	return &NATSBus{conn: conn, logger: log}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, payload any) error {
	event := Event{Subject: subject, Timestamp: time.Now().UTC(), Payload: payload}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.WithError(err).Warn("malformed event", zap.String("subject", msg.Subject))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() error {
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Drain()
	}
	return nil
}
