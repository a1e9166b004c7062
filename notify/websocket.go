package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// WebSocket timeouts, following the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// WSObserver streams events as JSON text frames over a websocket.
// Writes go through a buffered channel drained by writePump, so a slow
// client never blocks Broadcast; a full buffer counts as a failed send.
type WSObserver struct {
	id      string
	ownerID string
	conn    *websocket.Conn
	send    chan Event
	ping    chan struct{}
	logger  *zap.SugaredLogger

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSObserver wraps an upgraded connection and starts its pumps
func NewWSObserver(conn *websocket.Conn, ownerID string, log *zap.SugaredLogger) *WSObserver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	o := &WSObserver{
		id:      uuid.NewString(),
		ownerID: ownerID,
		conn:    conn,
		send:    make(chan Event, sendBuffer),
		ping:    make(chan struct{}, 1),
		logger:  log,
		done:    make(chan struct{}),
	}
	go o.writePump()
	go o.readPump()
	return o
}

// ID implements Observer
func (o *WSObserver) ID() string { return o.id }

// OwnerID implements Observer
func (o *WSObserver) OwnerID() string { return o.ownerID }

// Send queues ev for the write pump
func (o *WSObserver) Send(ev Event) error {
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

// Ping queues a websocket ping control frame
func (o *WSObserver) Ping() error {
	select {
	case <-o.done:
		return errors.New("observer closed")
	case o.ping <- struct{}{}:
	default:
		// a ping is already pending
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (o *WSObserver) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.conn.Close()
	})
}

// Done is closed once the observer is closed
func (o *WSObserver) Done() <-chan struct{} {
	return o.done
}

func (o *WSObserver) writePump() {
	defer o.Close()
	for {
		select {
		case <-o.done:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			o.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case ev := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteJSON(ev); err != nil {
				o.logger.Debugw("WebSocket write failed", logger.FieldObserverID, o.id, logger.FieldError, err)
				return
			}
		case <-o.ping:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; it exists to process control frames and
// to notice the peer going away.
func (o *WSObserver) readPump() {
	defer o.Close()

	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				o.logger.Warnw("WebSocket read error", logger.FieldObserverID, o.id, logger.FieldError, err)
			}
			return
		}
	}
}
