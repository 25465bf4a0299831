// Package partial copies byte ranges of a named file, wherever that file
// lives, into a writer.
package partial

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/bufpool"
	"github.com/rdcsync/rdcsync/ctxcopy"
)

var (
	// ErrShortCopy means the source had fewer bytes than requested.
	ErrShortCopy = errors.New("short copy")
	// ErrInvalidRange means a range had a negative offset or length.
	ErrInvalidRange = errors.New("invalid range")
)

// Access copies ranges of one file.
type Access interface {
	// CopyTo appends exactly length bytes, starting at offset from of the
	// file, to w. Anything less is an error wrapping ErrShortCopy.
	CopyTo(ctx context.Context, w io.Writer, from, length int64) error
}

func copyExactly(ctx context.Context, pool *bufpool.Pool, w io.Writer, r io.Reader, length int64) error {
	if length < 0 {
		return errors.Wrapf(ErrInvalidRange, "length %d", length)
	}
	if pool == nil {
		pool = bufpool.Default
	}
	buf := pool.Get()
	defer pool.Put(buf)

	_, err := ctxcopy.CopyN(ctx, w, r, length, buf.B)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.Wrap(ErrShortCopy, err.Error())
		}
		return err
	}
	return nil
}
