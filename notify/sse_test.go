package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// syncRecorder lets the test read the body while Serve writes it
type syncRecorder struct {
	mu sync.Mutex
	*httptest.ResponseRecorder
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *syncRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Body.String()
}

func TestSSEObserver(t *testing.T) {
	rec := &syncRecorder{ResponseRecorder: httptest.NewRecorder()}
	o, err := NewSSEObserver(rec, "alice")
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.body(), "event: connected\ndata: {"))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- o.Serve(ctx) }()

	require.NoError(t, o.Send(NewEvent(EventStarted, JobRef{ID: "j1", OwnerID: "alice", Name: "n"}, 1, nil)))
	require.Eventually(t, func() bool {
		return strings.Contains(rec.body(), `"jobId":"j1"`)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.body(), "event: job_update\ndata: {")

	require.NoError(t, o.Ping())
	require.Eventually(t, func() bool {
		return strings.HasSuffix(rec.body(), ": ping\n\n")
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-served)
	<-o.Done()
	assert.Error(t, o.Send(Event{}), "closed observers reject writes")
	assert.Error(t, o.Ping())
	o.Close()
}

func TestSSEObserverSendNeverBlocks(t *testing.T) {
	// Nothing drains the queue, like a client that stopped reading
	o, err := NewSSEObserver(httptest.NewRecorder(), "alice")
	require.NoError(t, err)

	ev := NewEvent(EventCompleted, JobRef{ID: "j1", OwnerID: "alice"}, 1, nil)
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, o.Send(ev))
	}
	err = o.Send(ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send buffer full")
}

func TestHubDropsStalledStreamAndKeepsDelivering(t *testing.T) {
	hub := NewHub(time.Minute, zaptest.NewLogger(t).Sugar())

	stalled, err := NewSSEObserver(httptest.NewRecorder(), "alice")
	require.NoError(t, err)
	healthy := &fakeObserver{id: "healthy", owner: "alice"}
	hub.Register(stalled)
	hub.Register(healthy)

	ev := NewEvent(EventCompleted, JobRef{ID: "j1", OwnerID: "alice"}, 1, nil)
	for i := 0; i <= sendBuffer; i++ {
		hub.Broadcast(ev)
	}

	assert.Equal(t, sendBuffer+1, healthy.received())
	assert.Equal(t, 1, hub.Count())
	select {
	case <-stalled.Done():
	default:
		t.Fatal("stalled observer was not closed")
	}
}
