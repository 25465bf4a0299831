package ctxcopy_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/ctxcopy"
	"github.com/stretchr/testify/assert"
)

func makeBuf() []byte {
	buf := make([]byte, 4*1024*1024)
	for i := 0; i < len(buf); i++ {
		buf[i] = byte(i)
	}
	return buf
}

func Test_CtxCopy(t *testing.T) {
	buf := makeBuf()

	r := bytes.NewReader(buf)
	w := new(bytes.Buffer)

	n, err := ctxcopy.Do(context.Background(), w, r)
	assert.NoError(t, err)
	assert.EqualValues(t, len(buf), n)
}

func Test_CtxCopyCancel(t *testing.T) {
	buf := makeBuf()

	r := bytes.NewReader(buf)
	w := new(bytes.Buffer)

	ctx, cancel := context.WithCancel(context.Background())

	cr := &cancelReader{
		upstream:  r,
		threshold: 2 * 1024 * 1024,
		cancel:    cancel,
	}

	n, err := ctxcopy.Do(ctx, w, cr)
	assert.Error(t, err)
	assert.Equal(t, ctxcopy.ErrCancelled, err)
	assert.True(t, n > 1*1024*1024)
	assert.True(t, n < 3*1024*1024)
}

func Test_CopyN(t *testing.T) {
	buf := makeBuf()
	w := new(bytes.Buffer)

	n, err := ctxcopy.CopyN(context.Background(), w, bytes.NewReader(buf), 1000, nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 1000, n)
	assert.Equal(t, buf[:1000], w.Bytes())

	w.Reset()
	_, err = ctxcopy.CopyN(context.Background(), w, bytes.NewReader(buf[:10]), 1000, nil)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	w.Reset()
	n, err = ctxcopy.CopyN(context.Background(), w, bytes.NewReader(buf), -10, nil)
	assert.True(t, errors.Is(err, ctxcopy.ErrNegativeLength))
	assert.EqualValues(t, 0, n)
	assert.Equal(t, 0, w.Len())
}

type cancelReader struct {
	upstream  io.Reader
	threshold int64
	cancel    context.CancelFunc

	count int64
}

var _ io.Reader = (*cancelReader)(nil)

func (cr *cancelReader) Read(buf []byte) (int, error) {
	if cr.count > cr.threshold {
		cr.cancel()
	}

	n, err := cr.upstream.Read(buf)
	cr.count += int64(n)
	return n, err
}
