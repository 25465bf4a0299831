// Package server exposes a node over HTTP: file access, signatures for
// peers, the synchronization endpoints and change notifications.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/metrics"
	"github.com/rdcsync/rdcsync/notify"
	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/rdc"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/synchronization"
	"github.com/rdcsync/rdcsync/versioning"
	"go.uber.org/zap"
)

type Params struct {
	Store       *storage.Engine
	Local       *rdc.LocalManager
	Controller  *synchronization.Controller
	Conflicts   *versioning.Conflicts
	Broadcaster *notify.Broadcaster
	ServerID    string

	Logger *zap.Logger
}

func (params *Params) validate() error {
	return validation.ValidateStruct(params,
		validation.Field(&params.Store, validation.Required),
		validation.Field(&params.Local, validation.Required),
		validation.Field(&params.Controller, validation.Required),
		validation.Field(&params.Conflicts, validation.Required),
		validation.Field(&params.Broadcaster, validation.Required),
		validation.Field(&params.ServerID, validation.Required),
	)
}

type Server struct {
	store       *storage.Engine
	local       *rdc.LocalManager
	controller  *synchronization.Controller
	conflicts   *versioning.Conflicts
	broadcaster *notify.Broadcaster
	serverID    string
	logger      *zap.Logger

	// background synchronizations
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(params Params) (*Server, error) {
	err := params.validate()
	if err != nil {
		return nil, errors.Wrap(err, "validating server params")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:       params.Store,
		local:       params.Local,
		controller:  params.Controller,
		conflicts:   params.Conflicts,
		broadcaster: params.Broadcaster,
		serverID:    params.ServerID,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /notifications", s.handleNotifications)

	// Files
	mux.HandleFunc("GET /files", s.handleList)
	mux.HandleFunc("GET /files/{name...}", s.handleGetFile)
	mux.HandleFunc("PUT /files/{name...}", s.handlePutFile)
	mux.HandleFunc("DELETE /files/{name...}", s.handleDeleteFile)
	mux.HandleFunc("GET /metadata/{name...}", s.handleMetadata)

	// Signatures, for peers
	mux.HandleFunc("GET /rdc/stats", s.handleStats)
	mux.HandleFunc("GET /rdc/manifest/{name...}", s.handleManifest)
	mux.HandleFunc("GET /rdc/signatures/{name...}", s.handleSignature)

	// Synchronization
	mux.HandleFunc("POST /synchronization/MultipartProceed", s.handleMultipartProceed)
	mux.HandleFunc("POST /synchronization/Proceed", s.handleProceed)
	mux.HandleFunc("POST /synchronization/Push", s.handlePush)
	mux.HandleFunc("GET /synchronization/status", s.handleStatus)
	mux.HandleFunc("GET /synchronization/conflicts", s.handleConflicts)
	mux.HandleFunc("PATCH /synchronization/ResolveConflict", s.handleResolveConflict)
	mux.HandleFunc("PATCH /synchronization/ApplyConflict", s.handleApplyConflict)

	// metrics reads the route pattern the mux sets on its request, so it
	// must hand the mux that same request
	return logging.Middleware(s.logger, metrics.Middleware(mux))
}

// Close stops background synchronizations and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "serverId": s.serverID})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

// fail answers with the status matching err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= 500 {
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
	}
	s.sendError(w, code, err.Error())
}

func statusOf(err error) int {
	var te *peer.TransportError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, peer.ErrNotFound),
		errors.Is(err, signature.ErrNotFound), errors.Is(err, versioning.ErrNoConflict):
		return http.StatusNotFound
	case errors.Is(err, synchronization.ErrFileLocked):
		return http.StatusLocked
	case synchronization.IsConflict(err), errors.Is(err, storage.ErrExists),
		errors.Is(err, storage.ErrConcurrency), errors.Is(err, versioning.ErrDestinationNewer):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidName), errors.Is(err, storage.ErrOutOfRange),
		errors.Is(err, synchronization.ErrMalformedRequest), errors.Is(err, versioning.ErrUnknownStrategy),
		errors.Is(err, versioning.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, rdc.ErrIncompatible), errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
