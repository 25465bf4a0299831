package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/metrics"
)

// PageInformation describes one page of a file.
type PageInformation struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

func encodeRefs(refs int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(refs))
	return buf
}

func (e *Engine) pageRefs(digest string) (int64, error) {
	value, err := e.get(pageRefKey(digest))
	if err != nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

// stagePage stores a page if it isn't there yet and takes a reference on
// it. The reference is later owned by a file record, or dropped with
// unstagePages if the record is never committed.
func (e *Engine) stagePage(digest string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	refs, err := e.pageRefs(digest)
	if err != nil {
		return err
	}

	if refs == 0 {
		err = e.db.Put([]byte(pageKey(digest)), data, nil)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	return errors.WithStack(e.db.Put([]byte(pageRefKey(digest)), encodeRefs(refs+1), nil))
}

func (e *Engine) unstagePages(pages []PageInformation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &commitState{
		e:         e,
		refDeltas: make(map[string]int64),
	}
	st.batch = newBatch()
	st.releasePages(pages)
	return st.flush()
}

// readPage returns a page's content. The slice is shared with the cache and
// must not be modified.
func (e *Engine) readPage(p PageInformation) ([]byte, error) {
	if cached, ok := e.pages.Get(p.Digest); ok {
		metrics.RecordPageCache(true)
		return cached.([]byte), nil
	}
	metrics.RecordPageCache(false)

	data, err := e.get(pageKey(p.Digest))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "page %s", p.Digest)
	}
	if int64(len(data)) != p.Size {
		return nil, errors.Errorf("page %s: expected %d bytes, found %d", p.Digest, p.Size, len(data))
	}

	e.pages.Add(p.Digest, data)
	return data, nil
}
