package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// ShippingEventWriter persists shipping events.
type ShippingEventWriter interface {
	CreateShippingEvent(ctx context.Context, ev *order.ShippingEvent) error
}

// EventHandler records shipping progress of orders.
type EventHandler struct {
	events ShippingEventWriter
	now    func() time.Time
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events ShippingEventWriter) *EventHandler {
	return &EventHandler{events: events, now: time.Now}
}

// CreateShippingEvent records one event of eventType covering the lines whose
// quantity is positive and whose status is Complete. lines and quantities are
// aligned by index. Nothing is created, and nil is returned, when no line
// qualifies.
func (h *EventHandler) CreateShippingEvent(
	ctx context.Context,
	o *order.Order,
	eventType string,
	lines []order.Line,
	quantities []int,
) (*order.ShippingEvent, error) {
	if len(lines) != len(quantities) {
		return nil, errors.Errorf("got %d lines and %d quantities", len(lines), len(quantities))
	}
	if eventType == "" {
		return nil, errors.New("event type is required")
	}

	var covered []order.ShippingEventLine
	for i, l := range lines {
		q := quantities[i]
		if q < 0 {
			return nil, errors.Errorf("negative quantity %d for line %d", q, l.ID)
		}
		if q == 0 || l.Status != order.LineComplete {
			continue
		}
		covered = append(covered, order.ShippingEventLine{LineID: l.ID, Quantity: q})
	}
	if len(covered) == 0 {
		return nil, nil
	}

	ev := &order.ShippingEvent{
		OrderID:   o.ID,
		EventType: eventType,
		Lines:     covered,
		CreatedAt: h.now(),
	}
	if err := h.events.CreateShippingEvent(ctx, ev); err != nil {
		return nil, errors.Wrapf(err, "create %s event for order %s", eventType, o.Number)
	}
	return ev, nil
}
