package storage

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SignatureRow describes a stored signature blob.
type SignatureRow struct {
	FileName string
	Level    int
	Length   int64
	Updated  time.Time
}

// rows are the write time (unix nanos) followed by the blob
const sigHeaderSize = 8

func (e *Engine) PutSignature(fileName string, level int, data []byte) error {
	err := validateName(fileName)
	if err != nil {
		return err
	}

	value := make([]byte, sigHeaderSize+len(data))
	binary.BigEndian.PutUint64(value, uint64(e.clock.Now().UnixNano()))
	copy(value[sigHeaderSize:], data)

	return errors.WithStack(e.db.Put([]byte(sigKey(fileName, level)), value, nil))
}

// GetSignature returns a blob, or ErrNotFound.
func (e *Engine) GetSignature(fileName string, level int) ([]byte, error) {
	value, err := e.get(sigKey(fileName, level))
	if err != nil {
		return nil, err
	}
	if len(value) < sigHeaderSize {
		return nil, errors.Wrapf(ErrNotFound, "signature %s level %d", fileName, level)
	}
	return value[sigHeaderSize:], nil
}

// ListSignatures returns the rows of a file by ascending level.
func (e *Engine) ListSignatures(fileName string) ([]SignatureRow, error) {
	prefix := sigPrefix(fileName)

	var rows []SignatureRow
	err := e.scan(prefix, func(key string, value []byte) error {
		level, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil || len(value) < sigHeaderSize {
			e.logger.Warn("skipping malformed signature row")
			return nil
		}

		rows = append(rows, SignatureRow{
			FileName: fileName,
			Level:    level,
			Length:   int64(len(value) - sigHeaderSize),
			Updated:  time.Unix(0, int64(binary.BigEndian.Uint64(value))).UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ClearSignatures deletes every row of a file.
func (e *Engine) ClearSignatures(fileName string) error {
	prefix := sigPrefix(fileName)

	batch := newBatch()
	err := e.scan(prefix, func(key string, value []byte) error {
		batch.Delete([]byte(key))
		return nil
	})
	if err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return errors.WithStack(e.db.Write(batch, nil))
}
