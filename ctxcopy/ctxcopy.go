// Package ctxcopy copies between readers and writers while honoring
// context cancellation between chunks.
package ctxcopy

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// DefaultBufferSize is used by Do and CopyN when no buffer is given.
const DefaultBufferSize = 32 * 1024

// ErrCancelled is returned when the context is done before the copy finishes.
var ErrCancelled = errors.New("copy cancelled")

// Do copies src into dst until EOF or cancellation.
func Do(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return DoBuffer(ctx, dst, src, make([]byte, DefaultBufferSize))
}

// DoBuffer is Do with a caller-provided buffer (typically a pooled one).
func DoBuffer(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ErrCancelled
		default:
		}

		nr, rErr := src.Read(buf)
		if nr > 0 {
			nw, wErr := dst.Write(buf[:nr])
			written += int64(nw)
			if wErr != nil {
				return written, errors.WithStack(wErr)
			}
			if nw != nr {
				return written, errors.WithStack(io.ErrShortWrite)
			}
		}

		if rErr != nil {
			if rErr == io.EOF {
				return written, nil
			}
			return written, errors.WithStack(rErr)
		}
	}
}

// ErrNegativeLength is returned by CopyN for a negative n.
var ErrNegativeLength = errors.New("negative copy length")

// CopyN copies exactly n bytes. Running out of input before that is an
// io.ErrUnexpectedEOF, never a silent short copy.
func CopyN(ctx context.Context, dst io.Writer, src io.Reader, n int64, buf []byte) (int64, error) {
	if n < 0 {
		return 0, errors.Wrapf(ErrNegativeLength, "%d", n)
	}
	if buf == nil {
		buf = make([]byte, DefaultBufferSize)
	}

	written, err := DoBuffer(ctx, dst, io.LimitReader(src, n), buf)
	if err != nil {
		return written, err
	}
	if written < n {
		return written, errors.Wrapf(io.ErrUnexpectedEOF, "copied %d of %d bytes", written, n)
	}
	return written, nil
}
