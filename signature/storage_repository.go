package signature

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/storage"
)

// StorageRepository keeps blobs as rows of the storage engine, keyed by
// file name and level.
type StorageRepository struct {
	store *storage.Engine
}

var _ Repository = (*StorageRepository)(nil)

func NewStorageRepository(store *storage.Engine) *StorageRepository {
	return &StorageRepository{store: store}
}

func (sr *StorageRepository) GetContentForReading(name string) (io.ReadCloser, error) {
	fileName, level, err := ParseName(name)
	if err != nil {
		return nil, errors.Wrap(ErrNotFound, err.Error())
	}

	data, err := sr.store.GetSignature(fileName, level)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.Wrap(ErrNotFound, name)
		}
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (sr *StorageRepository) CreateContent(name string) (io.WriteCloser, error) {
	fileName, level, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	return &rowWriter{store: sr.store, fileName: fileName, level: level}, nil
}

type rowWriter struct {
	bytes.Buffer
	store    *storage.Engine
	fileName string
	level    int
	closed   bool
}

func (rw *rowWriter) Close() error {
	if rw.closed {
		return nil
	}
	rw.closed = true
	return rw.store.PutSignature(rw.fileName, rw.level, rw.Bytes())
}

func (sr *StorageRepository) GetByFileName(fileName string) ([]Info, error) {
	rows, err := sr.store.ListSignatures(fileName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Wrap(ErrNotFound, fileName)
	}

	res := make([]Info, 0, len(rows))
	for _, row := range rows {
		res = append(res, Info{
			Name:   InfoName(fileName, row.Level),
			Length: row.Length,
			Level:  row.Level,
		})
	}
	return res, nil
}

func (sr *StorageRepository) GetLastUpdate(fileName string) (*time.Time, error) {
	rows, err := sr.store.ListSignatures(fileName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	last := rows[0].Updated
	for _, row := range rows[1:] {
		if row.Updated.After(last) {
			last = row.Updated
		}
	}
	return &last, nil
}

func (sr *StorageRepository) Clear(fileName string) error {
	return sr.store.ClearSignatures(fileName)
}
