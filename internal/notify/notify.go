// Package notify broadcasts trading events to operators. Delivery is best
// effort: callers log a failed Notify and carry on.
package notify

import (
	"context"
	"errors"
	"time"
)

// EventType names what happened.
type EventType string

const (
	EventOrderBooked     EventType = "order_booked"
	EventOrderRequested  EventType = "order_requested"
	EventOrderContracted EventType = "order_contracted"
	EventOrderCanceled   EventType = "order_canceled"
	EventTradeSettled    EventType = "trade_settled"
	EventStreamFailed    EventType = "stream_failed"
	EventStreamStopped   EventType = "stream_stopped"
)

// Event is one notification. Decimal amounts are carried as strings.
type Event struct {
	Type             EventType `json:"type"`
	VirtualAccountID int64     `json:"virtual_account_id"`
	PositionID       int64     `json:"position_id,omitempty"`
	Product          string    `json:"product,omitempty"`
	Side             string    `json:"side,omitempty"`
	Price            string    `json:"price,omitempty"`
	Size             string    `json:"size,omitempty"`
	Profit           string    `json:"profit,omitempty"`
	Message          string    `json:"message,omitempty"`
	Time             time.Time `json:"time"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
