package synchronization

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/needlist"
)

// Boundary separates the parts of a multipart synchronization request.
const Boundary = "syncing"

// Request headers of a multipart synchronization.
const (
	HeaderFileName        = "Temp-Syncing-File-Name"
	HeaderSourceServerID  = "Syncing-Source-Server-Id"
	HeaderSourceServerURL = "Syncing-Source-Server-Url"
	HeaderMetadata        = "Syncing-Metadata"
)

// Content-Disposition parameters of a part. Ranges are [from, to).
const (
	ParamNeedType  = "Syncing-need-type"
	ParamRangeFrom = "Syncing-range-from"
	ParamRangeTo   = "Syncing-range-to"
)

// MultipartRequest is an incoming push. Each part holds one need: source
// parts carry the bytes of their range, seed parts are empty and name a
// range of the receiver's current copy.
type MultipartRequest struct {
	FileName        string
	SourceServerID  string
	SourceServerURL string
	Metadata        map[string]string
	Reader          *multipart.Reader
}

// ParseMultipartRequest reads the synchronization headers of r and
// prepares its body for reading.
func ParseMultipartRequest(r *http.Request) (*MultipartRequest, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedRequest, "content type: %v", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, errors.Wrapf(ErrMalformedRequest, "content type %s", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.Wrap(ErrMalformedRequest, "missing boundary")
	}

	req := &MultipartRequest{
		FileName:        r.Header.Get(HeaderFileName),
		SourceServerID:  r.Header.Get(HeaderSourceServerID),
		SourceServerURL: r.Header.Get(HeaderSourceServerURL),
		Reader:          multipart.NewReader(r.Body, boundary),
	}
	if req.FileName == "" {
		return nil, errors.Wrapf(ErrMalformedRequest, "missing %s header", HeaderFileName)
	}

	md := make(map[string]string)
	if raw := r.Header.Get(HeaderMetadata); raw != "" {
		err = json.Unmarshal([]byte(raw), &md)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRequest, "metadata: %v", err)
		}
	}
	req.Metadata = md
	return req, nil
}

// Header returns the headers announcing a push of fileName.
func Header(fileName, serverID, serverURL string, md map[string]string, contentType string) (http.Header, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set(HeaderFileName, fileName)
	header.Set(HeaderSourceServerID, serverID)
	header.Set(HeaderSourceServerURL, serverURL)
	header.Set(HeaderMetadata, string(raw))
	return header, nil
}

// NewMultipartWriter returns a writer using Boundary.
func NewMultipartWriter(w io.Writer) (*multipart.Writer, error) {
	mw := multipart.NewWriter(w)
	err := mw.SetBoundary(Boundary)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return mw, nil
}

// CreateNeedPart starts the part of n. The caller writes the range's bytes
// for source needs, nothing for seed needs.
func CreateNeedPart(mw *multipart.Writer, n needlist.Need) (io.Writer, error) {
	disposition := mime.FormatMediaType("form-data", map[string]string{
		"name":         "need",
		ParamNeedType:  n.BlockType.String(),
		ParamRangeFrom: strconv.FormatUint(n.FileOffset, 10),
		ParamRangeTo:   strconv.FormatUint(n.End(), 10),
	})

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", disposition)
	if n.BlockType == needlist.Source {
		header.Set("Content-Type", "application/octet-stream")
	}

	w, err := mw.CreatePart(header)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return w, nil
}

// ParseNeedPart reads the need a part describes.
func ParseNeedPart(part *multipart.Part) (needlist.Need, error) {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return needlist.Need{}, errors.Wrapf(ErrMalformedRequest, "content disposition: %v", err)
	}

	// mime lowercases parameter names
	param := func(name string) (string, error) {
		v, ok := params[strings.ToLower(name)]
		if !ok {
			return "", errors.Wrapf(ErrMalformedRequest, "part is missing %s", name)
		}
		return v, nil
	}

	rawType, err := param(ParamNeedType)
	if err != nil {
		return needlist.Need{}, err
	}
	bt, err := needlist.ParseBlockType(rawType)
	if err != nil {
		return needlist.Need{}, errors.Wrapf(ErrMalformedRequest, "%v", err)
	}

	parseOffset := func(name string) (uint64, error) {
		raw, err := param(name)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || v > math.MaxInt64 {
			return 0, errors.Wrapf(ErrMalformedRequest, "%s %q", name, raw)
		}
		return v, nil
	}

	from, err := parseOffset(ParamRangeFrom)
	if err != nil {
		return needlist.Need{}, err
	}
	to, err := parseOffset(ParamRangeTo)
	if err != nil {
		return needlist.Need{}, err
	}
	if to <= from {
		return needlist.Need{}, errors.Wrapf(ErrMalformedRequest, "empty range [%d, %d)", from, to)
	}

	return needlist.Need{
		BlockType:   bt,
		FileOffset:  from,
		BlockLength: to - from,
	}, nil
}

func formatRange(n needlist.Need) string {
	return fmt.Sprintf("[%d, %d)", n.FileOffset, n.End())
}
