package storage

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// AnyEtag makes PutConfig overwrite whatever is there.
const AnyEtag = "*"

// Tx collects the reads and writes of one Batch. Reads see the committed
// state, not the transaction's own pending writes.
type Tx struct {
	e     *Engine
	reads map[string]string
	ops   []txOp
}

type txOp func(st *commitState) error

// Batch runs fn and commits the writes it queued atomically. If anything fn
// read was modified by someone else in the meantime, nothing is written and
// Batch returns ErrConcurrency. Errors returned by fn abort the batch.
func (e *Engine) Batch(fn func(tx *Tx) error) error {
	tx := &Tx{
		e:     e,
		reads: make(map[string]string),
	}

	err := fn(tx)
	if err != nil {
		return err
	}
	return tx.commit()
}

type etagged struct {
	Etag string `json:"etag"`
}

func etagOf(value []byte) string {
	if value == nil {
		return ""
	}
	var et etagged
	if err := json.Unmarshal(value, &et); err != nil {
		return ""
	}
	return et.Etag
}

func newEtag() string {
	return uuid.NewString()
}

// read loads key and remembers its etag for the commit-time check.
func (tx *Tx) read(key string) ([]byte, error) {
	value, err := tx.e.get(key)
	if err != nil {
		return nil, err
	}

	etag := etagOf(value)
	if seen, ok := tx.reads[key]; ok && seen != etag {
		return nil, errors.Wrapf(ErrConcurrency, "%s changed during transaction", key)
	}
	tx.reads[key] = etag
	return value, nil
}

func (tx *Tx) commit() error {
	if len(tx.ops) == 0 {
		return nil
	}

	e := tx.e
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, seen := range tx.reads {
		value, err := e.get(key)
		if err != nil {
			return err
		}
		if etagOf(value) != seen {
			return errors.Wrapf(ErrConcurrency, "%s", key)
		}
	}

	st := &commitState{
		e:         e,
		batch:     newBatch(),
		overlay:   make(map[string][]byte),
		refDeltas: make(map[string]int64),
	}
	for _, op := range tx.ops {
		err := op(st)
		if err != nil {
			return err
		}
	}

	return st.flush()
}

type commitState struct {
	e         *Engine
	batch     *leveldb.Batch
	overlay   map[string][]byte
	refDeltas map[string]int64
}

// get sees writes made earlier in the same commit.
func (st *commitState) get(key string) ([]byte, error) {
	if value, ok := st.overlay[key]; ok {
		return value, nil
	}
	return st.e.get(key)
}

func (st *commitState) put(key string, value []byte) {
	st.overlay[key] = value
	st.batch.Put([]byte(key), value)
}

func (st *commitState) delete(key string) {
	st.overlay[key] = nil
	st.batch.Delete([]byte(key))
}

func (st *commitState) putJSON(key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	st.put(key, value)
	return nil
}

func (st *commitState) releasePages(pages []PageInformation) {
	for _, p := range pages {
		st.refDeltas[p.Digest]--
	}
}

func newBatch() *leveldb.Batch {
	return new(leveldb.Batch)
}

func (st *commitState) flush() error {
	var evicted []string
	for digest, delta := range st.refDeltas {
		if delta == 0 {
			continue
		}

		refs, err := st.e.pageRefs(digest)
		if err != nil {
			return err
		}

		refs += delta
		if refs <= 0 {
			st.batch.Delete([]byte(pageKey(digest)))
			st.batch.Delete([]byte(pageRefKey(digest)))
			evicted = append(evicted, digest)
		} else {
			st.batch.Put([]byte(pageRefKey(digest)), encodeRefs(refs))
		}
	}

	err := st.e.db.Write(st.batch, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	for _, digest := range evicted {
		st.e.pages.Remove(digest)
	}
	return nil
}
