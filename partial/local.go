package partial

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/bufpool"
	"github.com/rdcsync/rdcsync/storage"
)

// Local reads ranges of a file held by the storage engine.
type Local struct {
	store *storage.Engine
	rec   *storage.FileRecord
	pool  *bufpool.Pool
}

var _ Access = (*Local)(nil)

// NewLocal pins the current version of fileName: later replacements of the
// file don't affect this accessor.
func NewLocal(store *storage.Engine, fileName string, pool *bufpool.Pool) (*Local, error) {
	rec, err := store.Stat(fileName)
	if err != nil {
		return nil, err
	}
	return &Local{store: store, rec: rec, pool: pool}, nil
}

func (l *Local) Record() *storage.FileRecord {
	return l.rec
}

func (l *Local) CopyTo(ctx context.Context, w io.Writer, from, length int64) error {
	r, err := l.store.OpenRecordRange(l.rec, from, length)
	if err != nil {
		if errors.Is(err, storage.ErrOutOfRange) {
			return errors.Wrap(ErrShortCopy, err.Error())
		}
		return err
	}
	defer r.Close()

	return copyExactly(ctx, l.pool, w, r, length)
}
