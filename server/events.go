package server

import (
	"net/http"

	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/notify"
)

// HandleEvents streams the caller's job events as server-sent events until
// the client disconnects or the observer is closed.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	obs, err := notify.NewSSEObserver(w, owner)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to open event stream")
		return
	}

	hub := s.engine.Hub()
	hub.Register(obs)
	defer func() {
		hub.Deregister(obs)
		obs.Close()
	}()

	s.logger.Debugw("Event stream opened", logger.FieldObserverID, obs.ID(), logger.FieldOwnerID, owner)
	if err := obs.Serve(r.Context()); err != nil {
		s.logger.Debugw("Event stream write failed", logger.FieldObserverID, obs.ID(), logger.FieldError, err)
	}
	s.logger.Debugw("Event stream closed", logger.FieldObserverID, obs.ID())
}

// HandleWebSocket upgrades to a websocket that carries the caller's job events.
// The observer's pumps own the connection after the upgrade.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldOwnerID, owner, logger.FieldError, err)
		return
	}

	obs := notify.NewWSObserver(conn, owner, s.logger)
	hub := s.engine.Hub()
	hub.Register(obs)

	go func() {
		<-obs.Done()
		hub.Deregister(obs)
	}()
}
