package partial

import (
	"context"
	"io"

	"github.com/rdcsync/rdcsync/bufpool"
	"github.com/rdcsync/rdcsync/peer"
)

// Remote fetches ranges of a peer's file with HTTP range requests.
type Remote struct {
	client   *peer.Client
	fileName string
	pool     *bufpool.Pool
}

var _ Access = (*Remote)(nil)

func NewRemote(client *peer.Client, fileName string, pool *bufpool.Pool) *Remote {
	return &Remote{client: client, fileName: fileName, pool: pool}
}

func (r *Remote) CopyTo(ctx context.Context, w io.Writer, from, length int64) error {
	if length == 0 {
		return nil
	}

	body, err := r.client.OpenRange(ctx, r.fileName, from, length)
	if err != nil {
		return err
	}
	defer body.Close()

	return copyExactly(ctx, r.pool, w, body, length)
}
