// Package storage is a small content-addressed file store on top of
// goleveldb.
//
// Files are split into content-defined pages which are stored once per
// digest and reference counted. File records, configuration entries and
// signature blobs live in the same database under separate key prefixes.
// Writes to records and config entries go through Batch, which provides
// optimistic concurrency: a batch fails with ErrConcurrency if anything it
// read changed before it committed.
package storage

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/chunker"
	"github.com/syndtr/goleveldb/leveldb"
	lvlerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrConcurrency = errors.New("concurrent modification")
	ErrInvalidName = errors.New("invalid name")
	ErrOutOfRange  = errors.New("range out of bounds")
)

const (
	prefixPage    = "page/"
	prefixPageRef = "pageref/"
	prefixFile    = "file/"
	prefixConfig  = "config/"
	prefixSig     = "sig/"
)

const DefaultPageCacheSize = 256

type Options struct {
	// PageCacheSize is the number of pages kept in memory.
	PageCacheSize int
	// Chunker splits file contents into pages.
	Chunker *chunker.Chunker
	Clock   clockwork.Clock
	Logger  *zap.Logger
}

func (o *Options) withDefaults() Options {
	res := Options{}
	if o != nil {
		res = *o
	}
	if res.PageCacheSize <= 0 {
		res.PageCacheSize = DefaultPageCacheSize
	}
	if res.Chunker == nil {
		res.Chunker = chunker.New()
	}
	if res.Clock == nil {
		res.Clock = clockwork.NewRealClock()
	}
	if res.Logger == nil {
		res.Logger = zap.NewNop()
	}
	return res
}

// Engine is safe for concurrent use.
type Engine struct {
	db      *leveldb.DB
	pages   *lru.Cache
	chunker *chunker.Chunker
	clock   clockwork.Clock
	logger  *zap.Logger
	path    string

	// serializes commits and page reference updates
	mu sync.Mutex
}

// Open opens (or creates) a store in the directory at path.
func Open(path string, opts *Options) (*Engine, error) {
	o := opts.withDefaults()

	db, err := leveldb.OpenFile(path, &opt.Options{
		Filter: filter.NewBloomFilter(10),
	})
	if _, corrupted := err.(*lvlerrors.ErrCorrupted); corrupted {
		o.Logger.Warn("store is corrupted, recovering", zap.String("path", path))
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening store at %s", path)
	}

	return newEngine(db, path, o)
}

// OpenMemory returns a store that lives in memory only.
func OpenMemory(opts *Options) (*Engine, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newEngine(db, "", opts.withDefaults())
}

func newEngine(db *leveldb.DB, path string, o Options) (*Engine, error) {
	pages, err := lru.New(o.PageCacheSize)
	if err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}

	return &Engine{
		db:      db,
		pages:   pages,
		chunker: o.Chunker,
		clock:   o.Clock,
		logger:  o.Logger,
		path:    path,
	}, nil
}

func (e *Engine) Path() string {
	return e.path
}

func (e *Engine) Clock() clockwork.Clock {
	return e.clock
}

func (e *Engine) Close() error {
	err := e.db.Close()
	if err != nil {
		e.logger.Error("failed to close store", zap.String("path", e.path), zap.Error(err))
		return errors.WithStack(err)
	}
	e.logger.Debug("store closed", zap.String("path", e.path))
	return nil
}

func validateName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// get returns nil, nil for missing keys.
func (e *Engine) get(key string) ([]byte, error) {
	value, err := e.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return value, nil
}

// scan calls fn for every key with the given prefix, in key order. The
// value slice is only valid during the call.
func (e *Engine) scan(prefix string, fn func(key string, value []byte) error) error {
	iter := e.db.NewIterator(utilBytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		err := fn(string(iter.Key()), iter.Value())
		if err != nil {
			return err
		}
	}
	return errors.WithStack(iter.Error())
}
