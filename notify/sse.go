package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/errors"
)

// SSEEventName is the server-sent event name carrying job events
const SSEEventName = "job_update"

// SSEObserver streams events over text/event-stream.
// Send and Ping only queue; Serve drains the queue on the handler goroutine
// with a write deadline per frame, so a stalled client never blocks Broadcast.
type SSEObserver struct {
	id      string
	ownerID string
	w       http.ResponseWriter
	rc      *http.ResponseController
	send    chan Event
	ping    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEObserver prepares w for streaming and writes the initial connected event
func NewSSEObserver(w http.ResponseWriter, ownerID string) (*SSEObserver, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	o := &SSEObserver{
		id:      uuid.NewString(),
		ownerID: ownerID,
		w:       w,
		rc:      http.NewResponseController(w),
		send:    make(chan Event, sendBuffer),
		ping:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	hello := map[string]interface{}{"ok": true, "at": time.Now().UnixMilli()}
	if err := o.write("connected", hello); err != nil {
		return nil, err
	}
	return o, nil
}

// ID implements Observer
func (o *SSEObserver) ID() string { return o.id }

// OwnerID implements Observer
func (o *SSEObserver) OwnerID() string { return o.ownerID }

// Send queues ev for Serve. A full buffer counts as a failed send.
func (o *SSEObserver) Send(ev Event) error {
	select {
	case <-o.done:
		return errors.New("observer closed")
	default:
	}
	select {
	case o.send <- ev:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Ping queues an SSE comment line
func (o *SSEObserver) Ping() error {
	select {
	case <-o.done:
		return errors.New("observer closed")
	case o.ping <- struct{}{}:
	default:
	}
	return nil
}

// Serve writes queued frames until ctx ends or the observer is closed.
// It must run on the goroutine that owns the response writer.
func (o *SSEObserver) Serve(ctx context.Context) error {
	defer o.Close()
	defer o.rc.SetWriteDeadline(time.Time{})

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.done:
			return nil
		case ev := <-o.send:
			if err := o.write(SSEEventName, ev); err != nil {
				return err
			}
		case <-o.ping:
			if err := o.writeFrame(": ping\n\n"); err != nil {
				return errors.Wrap(err, "failed to write keepalive")
			}
		}
	}
}

func (o *SSEObserver) write(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	return o.writeFrame(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}

func (o *SSEObserver) writeFrame(frame string) error {
	if err := o.rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return errors.Wrap(err, "failed to set write deadline")
	}
	if _, err := io.WriteString(o.w, frame); err != nil {
		return errors.Wrap(err, "failed to write event")
	}
	if err := o.rc.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			return errors.New("streaming unsupported by response writer")
		}
		return errors.Wrap(err, "failed to flush event")
	}
	return nil
}

// Close stops Serve and rejects further sends
func (o *SSEObserver) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}

// Done is closed when the observer is closed
func (o *SSEObserver) Done() <-chan struct{} {
	return o.done
}
