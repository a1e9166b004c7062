package server

import (
	"net/http"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/notify"
)

// inbox returns the engine's inbox, or writes a 503 when notify.inbox is off
func (s *Server) inbox(w http.ResponseWriter) (*notify.Inbox, bool) {
	in := s.engine.Inbox()
	if in == nil {
		writeError(w, http.StatusServiceUnavailable, ErrInboxDisabled.Error())
		return nil, false
	}
	return in, true
}

// HandleListNotifications pages the caller's inbox (?filter=all|unread&page&limit)
func (s *Server) HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbox(w)
	if !ok {
		return
	}

	filter := notify.InboxFilter(r.URL.Query().Get("filter"))
	switch filter {
	case "":
		filter = notify.FilterAll
	case notify.FilterAll, notify.FilterUnread:
	default:
		writeWrappedError(w, s.logger,
			errors.NewInvalidRequestError("filter must be %q or %q", notify.FilterAll, notify.FilterUnread),
			"invalid filter")
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid page")
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid limit")
		return
	}

	result, err := in.List(r.Context(), ownerID(r), filter, page, limit)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleMarkRead flags one notification as read
func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbox(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := in.MarkRead(r.Context(), ownerID(r), id); err != nil {
		writeWrappedError(w, s.logger, err, "failed to mark notification read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "isRead": true})
}

// HandleMarkAllRead flags every notification of the caller as read
func (s *Server) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbox(w)
	if !ok {
		return
	}
	n, err := in.MarkAllRead(r.Context(), ownerID(r))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to mark notifications read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// HandleDeleteNotification removes one notification
func (s *Server) HandleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbox(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := in.Delete(r.Context(), ownerID(r), id); err != nil {
		writeWrappedError(w, s.logger, err, "failed to delete notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// HandleClearNotifications empties the caller's inbox
func (s *Server) HandleClearNotifications(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbox(w)
	if !ok {
		return
	}
	n, err := in.Clear(r.Context(), ownerID(r))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to clear notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
