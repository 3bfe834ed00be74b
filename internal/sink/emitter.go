package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/metrics"
)

// Emitter announces incidents opening and closing on a topic.
type Emitter struct {
	pub    incident.Publisher
	topic  string
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewEmitter wires an Emitter. A nil clock uses the real clock.
func NewEmitter(pub incident.Publisher, topic string, clock clockwork.Clock, logger *zap.Logger) *Emitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{pub: pub, topic: topic, clock: clock, logger: logger}
}

// Emit publishes one incident.opened event per opened incident followed by
// one incident.closed event per closed incident. Every event is attempted;
// the returned error joins the individual failures.
func (e *Emitter) Emit(ctx context.Context, opened, closed []incident.Incident) (int, error) {
	now := e.clock.Now().UTC()
	var (
		sent int
		errs []error
	)
	send := func(eventType string, inc incident.Incident) {
		ev := incident.Event{
			Type:       eventType,
			IncidentID: inc.ID,
			OccurredAt: now,
			Incident:   inc,
		}
		id, err := e.pub.Publish(ctx, e.topic, ev)
		metrics.ObserveEventPublished(eventType, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", eventType, inc.ID, err))
			return
		}
		sent++
		e.logger.Debug("event published",
			zap.String("type", eventType),
			zap.String("incident_id", inc.ID),
			zap.String("message_id", id),
		)
	}
	for _, inc := range opened {
		send(incident.EventOpened, inc)
	}
	for _, inc := range closed {
		send(incident.EventClosed, inc)
	}
	return sent, errors.Join(errs...)
}
