// Package versioning tracks which server produced each version of a file
// and detects diverging histories between two copies.
package versioning

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// File metadata keys.
const (
	ServerIDKey = "Sync-Server-Id"
	VersionKey  = "Sync-Version"
	HistoryKey  = "Sync-History"
	ConflictKey = "Sync-Conflict"
	// ResolvedKey records the remote version a conflict was resolved in
	// favor of.
	ResolvedKey = "Sync-Resolved-With"
)

// MaxHistory bounds the number of past versions kept per file.
const MaxHistory = 64

var (
	// ErrDestinationNewer means the destination already has a version
	// derived from the source's: nothing to sync.
	ErrDestinationNewer = errors.New("destination has a newer version")
	ErrInvalidMetadata  = errors.New("invalid version metadata")
)

// HistoryItem identifies one version of a file.
type HistoryItem struct {
	ServerID string `json:"serverId"`
	Version  int64  `json:"version"`
}

func (hi HistoryItem) String() string {
	return fmt.Sprintf("%s/%d", hi.ServerID, hi.Version)
}

// Current returns the version described by md, if any.
func Current(md map[string]string) (HistoryItem, bool, error) {
	serverID, ok := md[ServerIDKey]
	if !ok {
		return HistoryItem{}, false, nil
	}

	version, err := strconv.ParseInt(md[VersionKey], 10, 64)
	if err != nil {
		return HistoryItem{}, false, errors.Wrapf(ErrInvalidMetadata, "version %q", md[VersionKey])
	}
	return HistoryItem{ServerID: serverID, Version: version}, true, nil
}

// History returns the past versions recorded in md, oldest first.
func History(md map[string]string) ([]HistoryItem, error) {
	raw, ok := md[HistoryKey]
	if !ok || raw == "" {
		return nil, nil
	}

	var history []HistoryItem
	err := json.Unmarshal([]byte(raw), &history)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidMetadata, "history: %v", err)
	}
	return history, nil
}

func setHistory(md map[string]string, history []HistoryItem) error {
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return errors.WithStack(err)
	}
	md[HistoryKey] = string(raw)
	return nil
}

func setCurrent(md map[string]string, item HistoryItem) {
	md[ServerIDKey] = item.ServerID
	md[VersionKey] = strconv.FormatInt(item.Version, 10)
}

func contains(history []HistoryItem, item HistoryItem) bool {
	for _, h := range history {
		if h == item {
			return true
		}
	}
	return false
}

// Bump records a local modification made on serverID: the current version
// moves to the history and the version number goes up.
func Bump(md map[string]string, serverID string) error {
	current, ok, err := Current(md)
	if err != nil {
		return err
	}

	next := HistoryItem{ServerID: serverID, Version: 1}
	if ok {
		history, err := History(md)
		if err != nil {
			return err
		}
		err = setHistory(md, append(history, current))
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
	}

	setCurrent(md, next)
	delete(md, ResolvedKey)
	return nil
}

// Check compares a local copy (nil if there is none) against the remote
// version about to replace it. It returns nil when the remote version may
// overwrite the local one, ErrDestinationNewer when the local one already
// descends from it, and a ConflictItem when neither descends from the other.
func Check(local, remote map[string]string) (*ConflictItem, error) {
	if local == nil {
		return nil, nil
	}

	ours, ok, err := Current(local)
	if err != nil {
		return nil, err
	}
	if !ok {
		// never versioned, nothing to protect
		return nil, nil
	}

	theirs, ok, err := Current(remote)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrInvalidMetadata, "remote file has no version")
	}

	if raw, ok := local[ConflictKey]; ok {
		existing := &ConflictItem{}
		if err := json.Unmarshal([]byte(raw), existing); err == nil {
			existing.Theirs = theirs
			return existing, nil
		}
		return &ConflictItem{Ours: ours, Theirs: theirs}, nil
	}

	if ours == theirs {
		return nil, nil
	}

	if raw, ok := local[ResolvedKey]; ok {
		var resolved HistoryItem
		if err := json.Unmarshal([]byte(raw), &resolved); err == nil && resolved == theirs {
			return nil, nil
		}
	}

	remoteHistory, err := History(remote)
	if err != nil {
		return nil, err
	}
	if contains(remoteHistory, ours) {
		return nil, nil
	}

	localHistory, err := History(local)
	if err != nil {
		return nil, err
	}
	if contains(localHistory, theirs) {
		return nil, errors.Wrapf(ErrDestinationNewer, "local %s descends from %s", ours, theirs)
	}

	return &ConflictItem{Ours: ours, Theirs: theirs}, nil
}
