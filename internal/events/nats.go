package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "voltcore.events"

// NatsMirror publishes bus events to NATS subjects
// (voltcore.events.<event type>), letting other services consume the domain
// stream without holding a subscription in this process.
type NatsMirror struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNatsMirror connects to the NATS server at url.
func NewNatsMirror(url string, logger *zap.Logger) (*NatsMirror, error) {
	conn, err := nats.Connect(url, nats.Name("voltcore"))
	if err != nil {
		return nil, err
	}
	return &NatsMirror{conn: conn, prefix: defaultSubjectPrefix, logger: logger}, nil
}

// Publish forwards the event. Failures are logged, never propagated: the
// in-process bus stays authoritative.
func (m *NatsMirror) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		m.logger.Warn("encode event for nats failed", zap.String("event_id", evt.ID), zap.Error(err))
		return
	}
	subject := m.prefix + "." + evt.Type
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("publish event to nats failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (m *NatsMirror) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}
