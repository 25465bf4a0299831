package server

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/notify"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/versioning"
	"go.uber.org/zap"
)

type fileInfo struct {
	Name         string            `json:"name"`
	Length       int64             `json:"length"`
	LastModified time.Time         `json:"lastModified"`
	Etag         string            `json:"etag"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.URL.Query().Get("prefix"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res := make([]fileInfo, 0, len(recs))
	for _, rec := range recs {
		res = append(res, fileInfo{
			Name:         rec.Name,
			Length:       rec.Length,
			LastModified: rec.LastModified,
			Etag:         rec.Etag,
			Metadata:     rec.Metadata,
		})
	}
	s.sendJSON(w, http.StatusOK, res)
}

var rangeRegexp = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// parseRange understands a single "bytes=" range. ok is false when there is
// no usable range header, err set when the range can't be satisfied.
func parseRange(header string, size int64) (from, length int64, ok bool, err error) {
	if header == "" {
		return 0, size, false, nil
	}

	matches := rangeRegexp.FindStringSubmatch(header)
	if matches == nil {
		// multiple ranges or another unit: serve the whole file
		return 0, size, false, nil
	}

	startStr, endStr := matches[1], matches[2]
	if startStr == "" && endStr == "" {
		return 0, 0, false, fmt.Errorf("invalid range %q", header)
	}

	if startStr == "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		if suffix > size {
			suffix = size
		}
		return size - suffix, suffix, true, nil
	}

	from, _ = strconv.ParseInt(startStr, 10, 64)
	if from >= size {
		return 0, 0, false, fmt.Errorf("range %q starts past %d bytes", header, size)
	}

	end := size - 1
	if endStr != "" {
		end, _ = strconv.ParseInt(endStr, 10, 64)
		if end < from {
			return 0, 0, false, fmt.Errorf("invalid range %q", header)
		}
		if end >= size {
			end = size - 1
		}
	}
	return from, end - from + 1, true, nil
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, err := s.store.Stat(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	from, length, partial, err := parseRange(r.Header.Get("Range"), rec.Length)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rec.Length))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("ETag", `"`+rec.Etag+`"`)
	w.Header().Set("Last-Modified", rec.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, from+length-1, rec.Length))
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	rc, err := s.store.OpenRecordRange(rec, from, length)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()

	w.WriteHeader(status)
	if _, err := io.Copy(w, rc); err != nil {
		logging.WithContext(r.Context()).Warn("sending file failed",
			zap.String("file", name), zap.Error(err))
	}
}

// handlePutFile stores a new local version of a file.
func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	locked, err := s.controller.Locker().IsLocked(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if locked {
		s.sendError(w, http.StatusLocked, "file is being synchronized: "+name)
		return
	}

	md := make(map[string]string)
	existing, err := s.store.Stat(name)
	if err == nil {
		for k, v := range existing.Metadata {
			md[k] = v
		}
	} else if !storage.IsNotFound(err) {
		s.fail(w, r, err)
		return
	}

	err = versioning.Bump(md, s.serverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rec, err := s.store.PutFile(r.Context(), name, md, r.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.broadcaster.Publish(notify.Event{Type: notify.EventFileChanged, FileName: name})
	s.sendJSON(w, http.StatusCreated, fileInfo{
		Name:         rec.Name,
		Length:       rec.Length,
		LastModified: rec.LastModified,
		Etag:         rec.Etag,
		Metadata:     rec.Metadata,
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	_, err := s.store.Stat(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	err = s.store.Delete(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.local.Invalidate(name); err != nil {
		logging.WithContext(r.Context()).Warn("could not clear signatures", zap.String("file", name), zap.Error(err))
	}

	s.broadcaster.Publish(notify.Event{Type: notify.EventFileDeleted, FileName: name})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Stat(r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rec.Metadata)
}
