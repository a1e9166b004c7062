package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWSObserverDeliversEvents(t *testing.T) {
	hub := NewHub(time.Minute, zaptest.NewLogger(t).Sugar())
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(NewWSObserver(conn, "alice", zaptest.NewLogger(t).Sugar()))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(NewEvent(EventRetrying, JobRef{ID: "j1", OwnerID: "alice", Name: "sync"}, 2, nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventRetrying, ev.Type)
	assert.Equal(t, LevelWarning, ev.Level)
	assert.Equal(t, 2, ev.Attempt)
}

func TestWSObserverClosedRejectsSend(t *testing.T) {
	upgraded := make(chan *WSObserver, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- NewWSObserver(conn, "alice", nil)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	o := <-upgraded
	conn.Close()

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not notice the peer going away")
	}
	assert.Error(t, o.Send(Event{}))
	assert.Error(t, o.Ping())
}
