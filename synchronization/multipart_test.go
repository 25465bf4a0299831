package synchronization

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"testing"

	"github.com/rdcsync/rdcsync/needlist"
	"github.com/rdcsync/rdcsync/wtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPushRequest(t *testing.T, header http.Header, body []byte) *http.Request {
	req, err := http.NewRequest(http.MethodPost, "http://example.com/synchronization/MultipartProceed", bytes.NewReader(body))
	wtest.Must(t, err)
	req.Header = header
	return req
}

func Test_MultipartNeeds(t *testing.T) {
	needs := needlist.Needs{
		{BlockType: needlist.Seed, FileOffset: 0, BlockLength: 4096},
		{BlockType: needlist.Source, FileOffset: 4096, BlockLength: 5},
	}

	body := new(bytes.Buffer)
	mw, err := NewMultipartWriter(body)
	wtest.Must(t, err)
	for _, n := range needs {
		w, err := CreateNeedPart(mw, n)
		wtest.Must(t, err)
		if n.BlockType == needlist.Source {
			_, err = w.Write([]byte("hello"))
			wtest.Must(t, err)
		}
	}
	wtest.Must(t, mw.Close())

	md := map[string]string{"Sync-Version": "2"}
	header, err := Header("dir/file.txt", "A", "http://a:8080", md, mw.FormDataContentType())
	wtest.Must(t, err)

	req, err := ParseMultipartRequest(newPushRequest(t, header, body.Bytes()))
	wtest.Must(t, err)
	assert.Equal(t, "dir/file.txt", req.FileName)
	assert.Equal(t, "A", req.SourceServerID)
	assert.Equal(t, "http://a:8080", req.SourceServerURL)
	assert.Equal(t, md, req.Metadata)

	var got needlist.Needs
	var payload []byte
	for {
		part, err := req.Reader.NextPart()
		if err == io.EOF {
			break
		}
		wtest.Must(t, err)

		n, err := ParseNeedPart(part)
		wtest.Must(t, err)
		got = append(got, n)

		data, err := io.ReadAll(part)
		wtest.Must(t, err)
		payload = append(payload, data...)
	}
	assert.Equal(t, needs, got)
	assert.Equal(t, "hello", string(payload))
}

func Test_MultipartMalformed(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderFileName, "a")
	_, err := ParseMultipartRequest(newPushRequest(t, header, nil))
	assert.ErrorIs(t, err, ErrMalformedRequest)

	header.Set("Content-Type", "multipart/form-data; boundary="+Boundary)
	header.Del(HeaderFileName)
	_, err = ParseMultipartRequest(newPushRequest(t, header, nil))
	assert.ErrorIs(t, err, ErrMalformedRequest)

	header.Set(HeaderFileName, "a")
	header.Set(HeaderMetadata, "{not json")
	_, err = ParseMultipartRequest(newPushRequest(t, header, nil))
	assert.ErrorIs(t, err, ErrMalformedRequest)

	// a part whose range is empty
	body := new(bytes.Buffer)
	mw, err := NewMultipartWriter(body)
	wtest.Must(t, err)
	_, err = CreateNeedPart(mw, needlist.Need{BlockType: needlist.Seed, FileOffset: 10, BlockLength: 0})
	wtest.Must(t, err)
	wtest.Must(t, mw.Close())

	header.Del(HeaderMetadata)
	req, err := ParseMultipartRequest(newPushRequest(t, header, body.Bytes()))
	wtest.Must(t, err)
	part, err := req.Reader.NextPart()
	require.NoError(t, err)
	_, err = ParseNeedPart(part)
	assert.ErrorIs(t, err, ErrMalformedRequest)

	// offsets that don't fit an int64
	for _, n := range []needlist.Need{
		{BlockType: needlist.Source, FileOffset: 0, BlockLength: math.MaxInt64 + 1},
		{BlockType: needlist.Seed, FileOffset: math.MaxInt64, BlockLength: 1},
	} {
		body.Reset()
		mw, err = NewMultipartWriter(body)
		wtest.Must(t, err)
		_, err = CreateNeedPart(mw, n)
		wtest.Must(t, err)
		wtest.Must(t, mw.Close())

		req, err = ParseMultipartRequest(newPushRequest(t, header, body.Bytes()))
		wtest.Must(t, err)
		part, err = req.Reader.NextPart()
		require.NoError(t, err)
		_, err = ParseNeedPart(part)
		assert.ErrorIs(t, err, ErrMalformedRequest, "%s", n)
	}
}
