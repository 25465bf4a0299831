// Package signature generates, stores and parses block signatures of files.
//
// A file's signatures form a cascade: the finest level lists the blocks of
// the file itself, and each coarser level lists the blocks of the next finer
// signature blob. Blobs are named "<fileName>.<level>.sig", level 0 being
// the coarsest.
package signature

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a signature (or every signature of a file)
// is missing.
var ErrNotFound = errors.New("signature not found")

// FormatError reports a signature blob that can't be parsed.
type FormatError struct {
	Name string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("malformed signature: %v", e.Err)
	}
	return fmt.Sprintf("malformed signature %s: %v", e.Name, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// IsFormatError reports whether err is (or wraps) a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// Repository stores signature blobs.
type Repository interface {
	// GetContentForReading opens a blob, or fails with ErrNotFound.
	GetContentForReading(name string) (io.ReadCloser, error)
	// CreateContent creates or overwrites a blob. Readers only see the new
	// content once the returned writer has been closed without error.
	CreateContent(name string) (io.WriteCloser, error)
	// GetByFileName lists the blobs of a file by ascending level, or fails
	// with ErrNotFound.
	GetByFileName(fileName string) ([]Info, error)
	// GetLastUpdate returns when the file's signatures were last written,
	// or nil if it has none.
	GetLastUpdate(fileName string) (*time.Time, error)
	// Clear removes every blob of a file.
	Clear(fileName string) error
}

// Disposable repositories own temporary storage that Dispose deletes.
type Disposable interface {
	Repository
	Dispose() error
}

// ReadAll loads a whole blob.
func ReadAll(repo Repository, name string) ([]byte, error) {
	r, err := repo.GetContentForReading(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}
