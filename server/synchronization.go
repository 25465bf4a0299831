package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/notify"
	"github.com/rdcsync/rdcsync/synchronization"
	"github.com/rdcsync/rdcsync/versioning"
	"go.uber.org/zap"
)

// handleMultipartProceed receives a push. An attempt that ran, even a
// failed one, is answered with its report.
func (s *Server) handleMultipartProceed(w http.ResponseWriter, r *http.Request) {
	req, err := synchronization.ParseMultipartRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	report, err := s.controller.MultipartProceed(r.Context(), req)
	if report == nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

func requiredQuery(r *http.Request, names ...string) (map[string]string, string) {
	res := make(map[string]string, len(names))
	for _, name := range names {
		v := r.URL.Query().Get(name)
		if v == "" {
			return nil, name
		}
		res[name] = v
	}
	return res, ""
}

// runSynchronization runs fn in the request, or in the background with
// ?async=true. Background outcomes are read from /synchronization/status.
func (s *Server) runSynchronization(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (*synchronization.Report, error)) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		logger := logging.WithContext(r.Context())
		s.background(func(ctx context.Context) {
			if _, err := fn(logging.WithLogger(ctx, logger)); err != nil {
				logger.Warn("background synchronization failed", zap.Error(err))
			}
		})
		w.WriteHeader(http.StatusAccepted)
		return
	}

	report, err := fn(r.Context())
	if err != nil {
		if report != nil {
			s.sendJSON(w, statusOf(err), report)
			return
		}
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

func (s *Server) handleProceed(w http.ResponseWriter, r *http.Request) {
	q, missing := requiredQuery(r, "fileName", "sourceServerUrl")
	if missing != "" {
		s.sendError(w, http.StatusBadRequest, missing+" required")
		return
	}

	s.runSynchronization(w, r, func(ctx context.Context) (*synchronization.Report, error) {
		return s.controller.Proceed(ctx, q["fileName"], q["sourceServerUrl"])
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	q, missing := requiredQuery(r, "fileName", "destinationServerUrl")
	if missing != "" {
		s.sendError(w, http.StatusBadRequest, missing+" required")
		return
	}

	s.runSynchronization(w, r, func(ctx context.Context) (*synchronization.Report, error) {
		return s.controller.Push(ctx, q["fileName"], q["destinationServerUrl"])
	})
}

// handleStatus returns the last report of ?fileName=, or every report.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fileName := r.URL.Query().Get("fileName")
	if fileName == "" {
		reports, err := s.controller.Reports().List()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.sendJSON(w, http.StatusOK, reports)
		return
	}

	report, err := s.controller.Reports().Get(fileName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	items, err := s.conflicts.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, items)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	q, missing := requiredQuery(r, "fileName", "strategy")
	if missing != "" {
		s.sendError(w, http.StatusBadRequest, missing+" required")
		return
	}

	strategy, err := versioning.ParseStrategy(q["strategy"])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	err = s.conflicts.Resolve(q["fileName"], strategy)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.broadcaster.Publish(notify.Event{
		Type:     notify.EventConflictResolved,
		FileName: q["fileName"],
		Data:     strategy,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleApplyConflict records a conflict a peer found while pushing to us.
func (s *Server) handleApplyConflict(w http.ResponseWriter, r *http.Request) {
	q, missing := requiredQuery(r, "fileName", "remoteVersion", "remoteServerId")
	if missing != "" {
		s.sendError(w, http.StatusBadRequest, missing+" required")
		return
	}

	version, err := strconv.ParseInt(q["remoteVersion"], 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid remoteVersion")
		return
	}

	remoteURL := r.URL.Query().Get("remoteServerUrl")
	item, err := s.conflicts.Apply(q["fileName"], version, q["remoteServerId"], remoteURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.broadcaster.Publish(notify.Event{
		Type:      notify.EventConflictDetected,
		FileName:  item.FileName,
		ServerURL: remoteURL,
		Data:      item,
	})
	s.sendJSON(w, http.StatusOK, item)
}
