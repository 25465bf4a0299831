package versioning

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/storage"
)

// ConflictItem records two versions of a file neither of which descends
// from the other.
type ConflictItem struct {
	FileName string      `json:"fileName"`
	Ours     HistoryItem `json:"ours"`
	Theirs   HistoryItem `json:"theirs"`
	// TheirServerURL is where the conflicting version came from, if known.
	TheirServerURL string `json:"theirServerUrl,omitempty"`
}

// ResolutionStrategy says which side of a conflict wins.
type ResolutionStrategy string

const (
	// CurrentVersion keeps the local version and adopts the remote history,
	// so the remote version no longer conflicts with it.
	CurrentVersion ResolutionStrategy = "CurrentVersion"
	// RemoteVersion lets the next synchronization overwrite the local copy.
	RemoteVersion ResolutionStrategy = "RemoteVersion"
)

var (
	ErrNoConflict      = errors.New("no conflict for file")
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case CurrentVersion, RemoteVersion:
		return ResolutionStrategy(s), nil
	default:
		return "", errors.Wrapf(ErrUnknownStrategy, "%q", s)
	}
}

const conflictPrefix = "Conflicts/"

// ConflictKeyFor is the config key a file's conflict is stored under.
func ConflictKeyFor(fileName string) string {
	return conflictPrefix + fileName
}

// Conflicts keeps conflict items in the store: as a config entry, for
// listing, and in the file's metadata, so that later checks see it.
type Conflicts struct {
	store *storage.Engine
}

func NewConflicts(store *storage.Engine) *Conflicts {
	return &Conflicts{store: store}
}

// Save records item as part of tx.
func (c *Conflicts) Save(tx *storage.Tx, item *ConflictItem) error {
	rec, err := tx.Stat(item.FileName)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return errors.WithStack(err)
	}

	md := rec.Metadata
	if md == nil {
		md = make(map[string]string)
	}
	md[ConflictKey] = string(raw)
	tx.SetMetadata(rec, md)

	_, err = tx.PutConfig(ConflictKeyFor(item.FileName), item)
	return err
}

// Remove forgets the conflict of fileName as part of tx, if it has one.
// The file itself may be gone.
func (c *Conflicts) Remove(tx *storage.Tx, fileName string) error {
	rec, err := tx.Stat(fileName)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	if rec != nil {
		if _, ok := rec.Metadata[ConflictKey]; ok {
			md := rec.Metadata
			delete(md, ConflictKey)
			tx.SetMetadata(rec, md)
		}
	}

	tx.DeleteConfig(ConflictKeyFor(fileName))
	return nil
}

func (c *Conflicts) Get(fileName string) (*ConflictItem, error) {
	ce, err := c.store.GetConfig(ConflictKeyFor(fileName))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.Wrapf(ErrNoConflict, "%s", fileName)
		}
		return nil, err
	}

	item := &ConflictItem{}
	err = ce.Decode(item)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Conflicts) List() ([]*ConflictItem, error) {
	entries, err := c.store.ListConfig(conflictPrefix)
	if err != nil {
		return nil, err
	}

	res := make([]*ConflictItem, 0, len(entries))
	for _, ce := range entries {
		item := &ConflictItem{}
		err = ce.Decode(item)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, nil
}

// Resolve settles the conflict of fileName with the given strategy.
func (c *Conflicts) Resolve(fileName string, strategy ResolutionStrategy) error {
	return c.store.Batch(func(tx *storage.Tx) error {
		ce, err := tx.GetConfig(ConflictKeyFor(fileName))
		if err != nil {
			if storage.IsNotFound(err) {
				return errors.Wrapf(ErrNoConflict, "%s", fileName)
			}
			return err
		}
		item := &ConflictItem{}
		err = ce.Decode(item)
		if err != nil {
			return err
		}

		rec, err := tx.Stat(fileName)
		if err != nil {
			return err
		}
		md := rec.Metadata
		delete(md, ConflictKey)

		switch strategy {
		case CurrentVersion:
			history, err := History(md)
			if err != nil {
				return err
			}
			if !contains(history, item.Theirs) {
				history = append(history, item.Theirs)
			}
			err = setHistory(md, history)
			if err != nil {
				return err
			}
			delete(md, ResolvedKey)
		case RemoteVersion:
			raw, err := json.Marshal(item.Theirs)
			if err != nil {
				return errors.WithStack(err)
			}
			md[ResolvedKey] = string(raw)
		default:
			return errors.Wrapf(ErrUnknownStrategy, "%q", strategy)
		}

		tx.SetMetadata(rec, md)
		tx.DeleteConfig(ConflictKeyFor(fileName))
		return nil
	})
}

// Apply records that the version remoteVersion of remoteServerID conflicts
// with the local copy of fileName. Peers call this to report a conflict
// they detected while pushing to us.
func (c *Conflicts) Apply(fileName string, remoteVersion int64, remoteServerID, remoteServerURL string) (*ConflictItem, error) {
	var item *ConflictItem
	err := c.store.Batch(func(tx *storage.Tx) error {
		rec, err := tx.Stat(fileName)
		if err != nil {
			return err
		}

		ours, ok, err := Current(rec.Metadata)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrInvalidMetadata, "%s has no version", fileName)
		}

		item = &ConflictItem{
			FileName:       fileName,
			Ours:           ours,
			Theirs:         HistoryItem{ServerID: remoteServerID, Version: remoteVersion},
			TheirServerURL: remoteServerURL,
		}
		return c.Save(tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}
