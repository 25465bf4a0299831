package versioning

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/wtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versioned(t *testing.T, bumps ...string) map[string]string {
	md := make(map[string]string)
	for _, serverID := range bumps {
		wtest.Must(t, Bump(md, serverID))
	}
	return md
}

func clone(md map[string]string) map[string]string {
	res := make(map[string]string, len(md))
	for k, v := range md {
		res[k] = v
	}
	return res
}

func Test_Bump(t *testing.T) {
	md := versioned(t, "a", "a", "b")

	current, ok, err := Current(md)
	wtest.Must(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, HistoryItem{ServerID: "b", Version: 3}, current)

	history, err := History(md)
	wtest.Must(t, err)
	assert.EqualValues(t, []HistoryItem{{"a", 1}, {"a", 2}}, history)

	// history is bounded
	for i := 0; i < MaxHistory*2; i++ {
		wtest.Must(t, Bump(md, "c"))
	}
	history, err = History(md)
	wtest.Must(t, err)
	assert.Len(t, history, MaxHistory)
}

func Test_Check(t *testing.T) {
	base := versioned(t, "a", "a")

	// no local copy
	conflict, err := Check(nil, base)
	wtest.Must(t, err)
	assert.Nil(t, conflict)

	// same version
	conflict, err = Check(clone(base), clone(base))
	wtest.Must(t, err)
	assert.Nil(t, conflict)

	// remote descends from local: fast forward
	ahead := clone(base)
	wtest.Must(t, Bump(ahead, "b"))
	conflict, err = Check(clone(base), ahead)
	wtest.Must(t, err)
	assert.Nil(t, conflict)

	// local descends from remote
	_, err = Check(ahead, clone(base))
	assert.True(t, errors.Is(err, ErrDestinationNewer))

	// diverged
	ours := clone(base)
	wtest.Must(t, Bump(ours, "c"))
	conflict, err = Check(ours, ahead)
	wtest.Must(t, err)
	require.NotNil(t, conflict)
	assert.EqualValues(t, HistoryItem{"c", 3}, conflict.Ours)
	assert.EqualValues(t, HistoryItem{"b", 3}, conflict.Theirs)

	// no shared lineage at all
	conflict, err = Check(versioned(t, "x"), versioned(t, "y"))
	wtest.Must(t, err)
	assert.NotNil(t, conflict)

	// unversioned local copy
	conflict, err = Check(map[string]string{}, ahead)
	wtest.Must(t, err)
	assert.Nil(t, conflict)

	_, err = Check(ours, map[string]string{})
	assert.True(t, errors.Is(err, ErrInvalidMetadata))
}

func newStore(t *testing.T) *storage.Engine {
	store, err := storage.OpenMemory(nil)
	wtest.Must(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func putVersioned(t *testing.T, store *storage.Engine, name string, md map[string]string) {
	_, err := store.PutFile(context.Background(), name, md, bytes.NewReader([]byte("content of "+name)))
	wtest.Must(t, err)
}

func Test_ConflictResolution(t *testing.T) {
	store := newStore(t)
	conflicts := NewConflicts(store)

	base := versioned(t, "a")
	ours := clone(base)
	wtest.Must(t, Bump(ours, "local"))
	theirs := clone(base)
	wtest.Must(t, Bump(theirs, "remote"))

	for _, strategy := range []ResolutionStrategy{CurrentVersion, RemoteVersion} {
		name := "file-" + string(strategy)
		putVersioned(t, store, name, ours)

		rec, err := store.Stat(name)
		wtest.Must(t, err)
		item, err := Check(rec.Metadata, theirs)
		wtest.Must(t, err)
		require.NotNil(t, item)
		item.FileName = name

		wtest.Must(t, store.Batch(func(tx *storage.Tx) error {
			return conflicts.Save(tx, item)
		}))

		stored, err := conflicts.Get(name)
		wtest.Must(t, err)
		assert.EqualValues(t, item, stored)

		// stays a conflict until resolved
		rec, err = store.Stat(name)
		wtest.Must(t, err)
		again, err := Check(rec.Metadata, theirs)
		wtest.Must(t, err)
		assert.NotNil(t, again)

		wtest.Must(t, conflicts.Resolve(name, strategy))
		_, err = conflicts.Get(name)
		assert.True(t, errors.Is(err, ErrNoConflict))

		rec, err = store.Stat(name)
		wtest.Must(t, err)
		result, err := Check(rec.Metadata, theirs)
		switch strategy {
		case CurrentVersion:
			// ours now knows theirs: nothing to pull
			assert.True(t, errors.Is(err, ErrDestinationNewer))
		case RemoteVersion:
			// theirs may overwrite
			wtest.Must(t, err)
			assert.Nil(t, result)
		}
	}

	list, err := conflicts.List()
	wtest.Must(t, err)
	assert.Empty(t, list)

	err = conflicts.Resolve("file-CurrentVersion", CurrentVersion)
	assert.True(t, errors.Is(err, ErrNoConflict))
}

func Test_ApplyConflict(t *testing.T) {
	store := newStore(t)
	conflicts := NewConflicts(store)
	putVersioned(t, store, "f", versioned(t, "local", "local"))

	item, err := conflicts.Apply("f", 7, "remote", "http://peer")
	wtest.Must(t, err)
	assert.EqualValues(t, HistoryItem{"local", 2}, item.Ours)
	assert.EqualValues(t, HistoryItem{"remote", 7}, item.Theirs)

	list, err := conflicts.List()
	wtest.Must(t, err)
	require.Len(t, list, 1)
	assert.EqualValues(t, "http://peer", list[0].TheirServerURL)

	rec, err := store.Stat("f")
	wtest.Must(t, err)
	assert.Contains(t, rec.Metadata, ConflictKey)

	_, err = conflicts.Apply("missing", 1, "remote", "")
	assert.True(t, storage.IsNotFound(err))

	_, err = ParseStrategy("Whatever")
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}
