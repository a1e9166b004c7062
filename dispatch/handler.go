package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/queue"
)

// Invocation is everything a handler learns about the attempt it runs
type Invocation struct {
	JobID       string
	OwnerID     string
	Name        string
	Command     job.Command
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
	Kind        queue.Kind
	// ScheduledFor is the occurrence this attempt serves
	ScheduledFor time.Time
}

// Decode unmarshals the payload into v
func (inv Invocation) Decode(v interface{}) error {
	if len(inv.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(inv.Payload, v)
}

// Result is the JSON-serializable output recorded in the execution log
type Result map[string]interface{}

// Handler executes one command.
// Returning an error marked with errors.Fatal or errors.Permanent stops retries;
// any other error is retried while attempts remain.
type Handler interface {
	Command() job.Command
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// HandlerFunc adapts a function to Handler for a fixed command
type HandlerFunc struct {
	Cmd job.Command
	Fn  func(ctx context.Context, inv Invocation) (Result, error)
}

// Command implements Handler
func (h HandlerFunc) Command() job.Command { return h.Cmd }

// Run implements Handler
func (h HandlerFunc) Run(ctx context.Context, inv Invocation) (Result, error) {
	return h.Fn(ctx, inv)
}

// Registry maps commands to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Command]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Command]Handler)}
}

// Register adds a handler under its command.
// Panics if a handler is already registered for that command.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := h.Command()
	if _, exists := r.handlers[cmd]; exists {
		panic(fmt.Sprintf("handler already registered for command: %s", cmd))
	}
	r.handlers[cmd] = h
}

// Get returns the handler for cmd, or nil
func (r *Registry) Get(cmd job.Command) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[cmd]
}

// Has reports whether cmd has a handler
func (r *Registry) Has(cmd job.Command) bool {
	return r.Get(cmd) != nil
}

// Commands returns the registered commands, sorted
func (r *Registry) Commands() []job.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]job.Command, 0, len(r.handlers))
	for cmd := range r.handlers {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
