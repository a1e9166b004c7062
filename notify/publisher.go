package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/cadence/logger"
)

// Sink receives lifecycle events from the dispatcher
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Relay forwards events to other processes
type Relay interface {
	Forward(ctx context.Context, ev Event) error
}

// Publisher is the default Sink: it mirrors events into the inbox, broadcasts
// them to local observers and forwards them through an optional relay.
// Inbox and relay failures are logged and never fail the publish.
type Publisher struct {
	hub    *Hub
	inbox  *Inbox
	relay  Relay
	origin string
	logger *zap.SugaredLogger
}

// NewPublisher creates a publisher. inbox and relay may be nil.
func NewPublisher(hub *Hub, inbox *Inbox, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{hub: hub, inbox: inbox, logger: log.Named("notify")}
}

// WithRelay attaches a relay; events are stamped with the relay's origin
func (p *Publisher) WithRelay(r Relay, origin string) *Publisher {
	p.relay = r
	p.origin = origin
	return p
}

// Publish implements Sink
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if ev.Level == "" {
		ev.Level = ev.Type.Level()
	}
	if ev.Origin == "" {
		ev.Origin = p.origin
	}

	if p.inbox != nil && ev.Type != EventStarted {
		if _, err := p.inbox.Add(ctx, ev); err != nil {
			p.logger.Warnw("Failed to store notification",
				logger.FieldJobID, ev.JobID,
				logger.FieldError, err,
			)
		}
	}

	if p.hub != nil {
		p.hub.Broadcast(ev)
	}

	if p.relay != nil {
		if err := p.relay.Forward(ctx, ev); err != nil {
			p.logger.Warnw("Failed to relay event",
				logger.FieldJobID, ev.JobID,
				logger.FieldError, err,
			)
		}
	}
}

// Discard is a Sink that drops every event
type Discard struct{}

// Publish implements Sink
func (Discard) Publish(context.Context, Event) {}
