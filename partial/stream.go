package partial

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/bufpool"
)

// Stream serves ranges from a reader that delivers them in order, like the
// body of a multipart part. Requests must be for the range right after the
// previous one.
type Stream struct {
	r      io.Reader
	offset int64
	pool   *bufpool.Pool
}

var _ Access = (*Stream)(nil)

// NewStream starts at offset start.
func NewStream(r io.Reader, start int64, pool *bufpool.Pool) *Stream {
	return &Stream{r: r, offset: start, pool: pool}
}

func (s *Stream) CopyTo(ctx context.Context, w io.Writer, from, length int64) error {
	if from != s.offset {
		return errors.Errorf("stream is at offset %d, range starts at %d", s.offset, from)
	}

	err := copyExactly(ctx, s.pool, w, s.r, length)
	if err != nil {
		return err
	}
	s.offset += length
	return nil
}
