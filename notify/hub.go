package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/logger"
)

// DefaultKeepalive is the interval between keepalive pings
const DefaultKeepalive = 20 * time.Second

// Observer is one live connection of a user
type Observer interface {
	ID() string
	OwnerID() string
	// Send writes one event. An error means the connection is gone.
	Send(ev Event) error
	// Ping writes a keepalive
	Ping() error
	Close()
}

// Hub fans events out to the live observers of their owner.
// Register and Deregister are map operations under a mutex; Broadcast works
// on a snapshot so a slow observer never blocks registration.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]Observer
	keepalive time.Duration
	logger    *zap.SugaredLogger
}

// NewHub creates a hub. A non-positive keepalive uses DefaultKeepalive.
func NewHub(keepalive time.Duration, log *zap.SugaredLogger) *Hub {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		observers: make(map[string]Observer),
		keepalive: keepalive,
		logger:    log.Named("hub"),
	}
}

// Register adds an observer
func (h *Hub) Register(o Observer) {
	h.mu.Lock()
	h.observers[o.ID()] = o
	n := len(h.observers)
	h.mu.Unlock()

	h.logger.Debugw("Observer registered",
		logger.FieldObserverID, o.ID(),
		logger.FieldOwnerID, o.OwnerID(),
		logger.FieldCount, n,
	)
}

// Deregister removes an observer. Removing an unknown observer is a no-op.
func (h *Hub) Deregister(o Observer) {
	h.mu.Lock()
	_, ok := h.observers[o.ID()]
	delete(h.observers, o.ID())
	h.mu.Unlock()

	if ok {
		h.logger.Debugw("Observer deregistered", logger.FieldObserverID, o.ID())
	}
}

// Count returns the number of registered observers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) snapshot() []Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		out = append(out, o)
	}
	return out
}

// Broadcast sends ev to every observer of ev.OwnerID. Observers that fail
// are deregistered and closed; the rest still receive the event.
// It returns the number of successful deliveries.
func (h *Hub) Broadcast(ev Event) int {
	delivered := 0
	for _, o := range h.snapshot() {
		if o.OwnerID() != ev.OwnerID {
			continue
		}
		if err := o.Send(ev); err != nil {
			h.logger.Debugw("Dropping observer after failed send",
				logger.FieldObserverID, o.ID(),
				logger.FieldError, err,
			)
			h.Deregister(o)
			o.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// PingAll sends a keepalive to every observer, dropping the ones that fail
func (h *Hub) PingAll() {
	for _, o := range h.snapshot() {
		if err := o.Ping(); err != nil {
			h.Deregister(o)
			o.Close()
		}
	}
}

// Run pings observers every keepalive interval until ctx is done, then
// closes every remaining observer.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, o := range h.snapshot() {
				h.Deregister(o)
				o.Close()
			}
			return nil
		case <-ticker.C:
			h.PingAll()
		}
	}
}
