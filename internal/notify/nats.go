package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix prefixes every published subject: trade.events.<type>.
const SubjectPrefix = "trade.events"

// StreamName is the JetStream stream capturing trade events when available.
const StreamName = "TRADE_EVENTS"

// ConnectNATS dials url and makes sure the event stream exists. A server
// without JetStream still works; events are then plain core publishes.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("trade-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("jetstream unavailable", zap.Error(err))
		return nc, nil
	}
	cfg := &nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".*"},
	}
	if _, err := js.AddStream(cfg); err != nil {
		if _, err := js.UpdateStream(cfg); err != nil {
			logger.Warn("failed to create or update stream", zap.Error(err))
		}
	}
	return nc, nil
}

// NATS publishes events as JSON.
type NATS struct {
	conn *nats.Conn
}

// NewNATS publishes through an established connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Subject returns the subject an event is published on.
func Subject(t EventType) string {
	return SubjectPrefix + "." + string(t)
}

func (n *NATS) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(e.Type), err)
	}
	return nil
}
