package peer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/wtest"
	"github.com/stretchr/testify/assert"
)

func Test_SignatureEncodings(t *testing.T) {
	blob := bytes.Repeat([]byte("signature blob "), 4096)

	var requestIDs []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rdc/signatures/{name}", func(w http.ResponseWriter, r *http.Request) {
		requestIDs = append(requestIDs, r.Header.Get(logging.RequestIDHeader))
		if r.Header.Get("Accept-Encoding") != signature.TransportEncoding {
			http.Error(w, "brotli expected", http.StatusBadRequest)
			return
		}

		switch r.PathValue("name") {
		case "plain":
			w.Write(blob)
		case "compressed":
			w.Header().Set("Content-Encoding", signature.TransportEncoding)
			cw, err := signature.CompressStream(w, signature.CompressionDefault())
			if err != nil {
				return
			}
			cw.Write(blob)
			cw.Close()
		default:
			w.Header().Set("Content-Encoding", "zstd")
			w.Write(blob)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(server.URL, WithRetries(0, 0))
	wtest.Must(t, err)
	ctx := logging.WithRequestID(context.Background(), "sync-42")

	for _, name := range []string{"plain", "compressed"} {
		rc, err := client.Signature(ctx, name, -1)
		wtest.Must(t, err)
		got, err := io.ReadAll(rc)
		rc.Close()
		wtest.Must(t, err)
		assert.EqualValues(t, blob, got, name)
	}

	_, err = client.Signature(ctx, "other", -1)
	assert.True(t, IsTransportError(err))

	assert.Equal(t, []string{"sync-42", "sync-42", "sync-42"}, requestIDs)
}

func Test_SendForwardsRequestID(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(logging.RequestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, WithRetries(0, 0))
	wtest.Must(t, err)

	ctx := logging.WithRequestID(context.Background(), "push-7")
	wtest.Must(t, client.Send(ctx, "pushing", http.MethodPost, client.URL(nil, "synchronization", "multipartproceed"), nil, nil, nil))
	assert.Equal(t, "push-7", seen)

	err = client.Send(context.Background(), "pushing", http.MethodPost, server.URL+"/%zz", nil, nil, nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
