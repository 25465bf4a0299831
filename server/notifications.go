package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/notify"
	"go.uber.org/zap"
)

// notificationFilter builds a subscription filter from ?fileName= (a
// trailing slash selects a directory) and ?type= (comma-separated).
func notificationFilter(r *http.Request) notify.Filter {
	var filters []notify.Filter
	if fileName := r.URL.Query().Get("fileName"); fileName != "" {
		filters = append(filters, notify.ForFile(fileName))
	}
	if types := r.URL.Query().Get("type"); types != "" {
		filters = append(filters, notify.OfTypes(strings.Split(types, ",")...))
	}
	if len(filters) == 0 {
		return nil
	}
	return notify.All(filters...)
}

// handleNotifications streams events as server-sent events until the
// client goes away.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.broadcaster.Subscribe(notificationFilter(r))
	logger := logging.WithContext(r.Context())
	defer func() {
		sub.Close()
		logger.Debug("notification client gone", zap.Int64("dropped", sub.Dropped()))
	}()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := event.WriteSSE(w); err != nil {
				logger.Debug("could not send event", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
