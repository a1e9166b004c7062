package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
)

type captureRelay struct {
	events []Event
	err    error
}

func (c *captureRelay) Forward(ctx context.Context, ev Event) error {
	c.events = append(c.events, ev)
	return c.err
}

func TestPublisherFansOut(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	hub := NewHub(time.Minute, log)
	inbox := NewInbox(cadencetest.CreateTestDB(t))
	relay := &captureRelay{err: errors.New("redis down")}
	pub := NewPublisher(hub, inbox, log).WithRelay(relay, "proc-1")

	o := &fakeObserver{id: "o", owner: "alice"}
	hub.Register(o)

	ref := JobRef{ID: "j1", OwnerID: "alice", Name: "backup"}
	pub.Publish(ctx, NewEvent(EventStarted, ref, 1, nil))
	pub.Publish(ctx, NewEvent(EventCompleted, ref, 1, nil))

	assert.Equal(t, 2, o.received())
	require.Len(t, relay.events, 2, "relay failures do not stop publishing")
	assert.Equal(t, "proc-1", relay.events[0].Origin)

	page, err := inbox.List(ctx, "alice", FilterAll, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total, "started events stay out of the inbox")
	assert.Equal(t, LevelSuccess, page.Items[0].Type)
}

func TestRedisRelayIgnoresOwnEvents(t *testing.T) {
	hub := NewHub(time.Minute, nil)
	o := &fakeObserver{id: "o", owner: "alice"}
	hub.Register(o)

	relay := NewRedisRelay(nil, "", hub, zaptest.NewLogger(t).Sugar())

	own, err := json.Marshal(Event{OwnerID: "alice", Origin: relay.Origin()})
	require.NoError(t, err)
	foreign, err := json.Marshal(Event{OwnerID: "alice", Origin: "other-process"})
	require.NoError(t, err)

	assert.False(t, relay.handle(string(own)))
	assert.True(t, relay.handle(string(foreign)))
	assert.False(t, relay.handle("{not json"))
	assert.Equal(t, 1, o.received())
}
