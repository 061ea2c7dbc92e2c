package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes events as JSON to NATS subjects of the form
// <prefix>.events.<type>, e.g. strata.events.migration.completed.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

func NewNATSPublisher(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{
		nc:     nc,
		prefix: subjectPrefix,
		logger: logger,
	}
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	subject := p.prefix + ".events." + ev.Type
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	p.logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("type", ev.Type),
	)
	return nil
}

func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return err
	}
	return nil
}
