package synchronization

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/versioning"
)

// TransportError: a peer was unreachable or answered unexpectedly.
type TransportError = peer.TransportError

// FormatError: a signature blob or need list couldn't be parsed.
type FormatError = signature.FormatError

var (
	// ErrNotFound: a file is missing locally.
	ErrNotFound = storage.ErrNotFound
	// ErrConcurrency: a metadata batch kept losing races.
	ErrConcurrency = storage.ErrConcurrency
	// ErrDestinationNewer: the destination's version already descends from
	// the source's.
	ErrDestinationNewer = versioning.ErrDestinationNewer
	// ErrFileLocked: another synchronization of the file is running.
	ErrFileLocked = errors.New("file is being synchronized")
	// ErrLockLost: a held lock expired and was taken over, or was removed.
	ErrLockLost = errors.New("file lock lost")
	// ErrMalformedRequest: a multipart request couldn't be understood.
	ErrMalformedRequest = errors.New("malformed synchronization request")
)

// ConflictError stops a synchronization until the conflict is resolved.
type ConflictError struct {
	Item *versioning.ConflictItem
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: local version %s, remote version %s", e.Item.FileName, e.Item.Ours, e.Item.Theirs)
}

// IsConflict reports whether err is (or wraps) a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
