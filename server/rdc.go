package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/rdc"
	"github.com/rdcsync/rdcsync/signature"
	"go.uber.org/zap"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, rdc.LocalStats())
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.local.GetSignatureManifest(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, m)
}

// handleSignature streams one level of a file's cascade, the finest one
// unless ?level= says otherwise.
func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, err := s.local.GetSignatureManifest(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	info, ok := m.Finest()
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil || level < 0 || level >= len(m.Signatures) {
			s.sendError(w, http.StatusNotFound, "no signature level "+raw+" for "+name)
			return
		}
		info, ok = m.Signatures[level], true
	}
	if !ok {
		s.sendError(w, http.StatusNotFound, "no signatures for "+name)
		return
	}

	rc, err := s.local.Repository().GetContentForReading(info.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if !acceptsEncoding(r, signature.TransportEncoding) {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Length, 10))
		if _, err := io.Copy(w, rc); err != nil {
			logging.WithContext(r.Context()).Warn("sending signature failed",
				zap.String("signature", info.Name), zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Encoding", signature.TransportEncoding)
	cw, err := signature.CompressStream(w, signature.CompressionDefault())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_, err = io.Copy(cw, rc)
	if err == nil {
		err = cw.Close()
	}
	if err != nil {
		logging.WithContext(r.Context()).Warn("sending signature failed",
			zap.String("signature", info.Name), zap.Error(err))
	}
}

func acceptsEncoding(r *http.Request, encoding string) bool {
	for _, header := range r.Header.Values("Accept-Encoding") {
		for _, part := range strings.Split(header, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(name, encoding) {
				return true
			}
		}
	}
	return false
}
