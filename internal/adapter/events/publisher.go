package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// conn is the part of *nats.Conn the publisher uses
type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher publishes run lifecycle events as JSON on
// <prefix>.run.<event type>
type Publisher struct {
	conn   conn
	prefix string
	logger *zap.Logger
	close  func()
}

// Connect dials NATS and returns a Publisher using the connection
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := NewPublisher(nc, cfg.SubjectPrefix, logger)
	p.close = func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("failed to drain nats connection", zap.Error(err))
		}
	}
	return p, nil
}

// NewPublisher creates a Publisher over an existing connection
func NewPublisher(c conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "mixflow"
	}
	return &Publisher{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on
func (p *Publisher) Subject(eventType domain.RunEventType) string {
	return p.prefix + ".run." + string(eventType)
}

// Publish implements domain.EventPublisher
func (p *Publisher) Publish(ctx context.Context, event domain.RunEvent) error {
	if p.conn == nil {
		return errors.New("not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(event.Type)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("run event published",
		zap.String("subject", subject),
		zap.String("run_id", event.RunID.String()),
	)
	return nil
}

// Close drains the connection opened by Connect
func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}
