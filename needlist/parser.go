package needlist

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/partial"
)

// Parser replays a need list into a writer, one need at a time.
type Parser struct {
	Source partial.Access
	Seed   partial.Access

	// OnNeed, if set, is called after each need has been copied.
	OnNeed func(index int, n Need)

	transferred atomic.Int64
	copied      atomic.Int64
}

// Parse copies every need in order. The first failing copy aborts the
// whole operation; whatever was written to w by then must be discarded.
func (p *Parser) Parse(ctx context.Context, needs Needs, w io.Writer) error {
	for i, n := range needs {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		var access partial.Access
		var counter *atomic.Int64
		switch n.BlockType {
		case Source:
			access, counter = p.Source, &p.transferred
		case Seed:
			access, counter = p.Seed, &p.copied
		default:
			return errors.Wrapf(ErrInvalidNeed, "need %d: block type %d", i, int(n.BlockType))
		}

		if !n.inBounds() {
			return errors.Wrapf(ErrInvalidNeed, "need %d: range %s out of bounds", i, n)
		}

		if access == nil {
			return errors.Wrapf(ErrInvalidNeed, "need %d: no %s to copy from", i, n.BlockType)
		}

		err := access.CopyTo(ctx, w, int64(n.FileOffset), int64(n.BlockLength))
		if err != nil {
			return errors.Wrapf(err, "copying %s", n)
		}

		counter.Add(int64(n.BlockLength))
		if p.OnNeed != nil {
			p.OnNeed(i, n)
		}
	}
	return nil
}

// BytesTransferred counts the Source bytes copied so far.
func (p *Parser) BytesTransferred() int64 {
	return p.transferred.Load()
}

// BytesCopied counts the Seed bytes copied so far.
func (p *Parser) BytesCopied() int64 {
	return p.copied.Load()
}
