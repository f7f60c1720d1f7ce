package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/common/logger"
)

const subjectPrefix = "a2a.agent."

// NATSClient carries A2A requests over NATS request/reply.
// Each agent listens on "a2a.agent.<agentId>".
type NATSClient struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *logger.Logger
}

var _ Client = (*NATSClient)(nil)

// NewNATSClient connects to the NATS server at url. The timeout bounds each
// request; zero means 120s.
func NewNATSClient(url, clientID string, maxReconnects int, timeout time.Duration, log *logger.Logger) (*NATSClient, error) {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	opts := []nats.Option{
		nats.Name(clientID),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("a2a nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("a2a nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSClient{conn: conn, timeout: timeout, logger: log}, nil
}

// Send issues a request to the agent's subject and waits for the reply.
func (c *NATSClient) Send(ctx context.Context, toAgentID string, req Request) (*SendResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode a2a request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(ctx, subjectPrefix+toAgentID, payload)
	if err != nil {
		return nil, fmt.Errorf("a2a request to %s failed: %w", toAgentID, err)
	}

	var result SendResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode a2a response: %w", err)
	}
	return &result, nil
}

// Serve subscribes the handler for a locally-hosted agent. The returned
// function unsubscribes.
func (c *NATSClient) Serve(agentID string, handler Handler) (func(), error) {
	sub, err := c.conn.Subscribe(subjectPrefix+agentID, func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.logger.WithError(err).WithAgentID(agentID).Warn("malformed a2a request")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		result, err := handler(ctx, req)
		if err != nil {
			result = &SendResult{State: StateFailed, Response: err.Error()}
		}
		reply, err := json.Marshal(result)
		if err != nil {
			c.logger.WithError(err).WithAgentID(agentID).Error("failed to encode a2a reply")
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.logger.WithError(err).WithAgentID(agentID).Warn("failed to send a2a reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe agent %s: %w", agentID, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Drain()
	}
}
