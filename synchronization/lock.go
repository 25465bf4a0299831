package synchronization

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchio/headway/state"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/storage"
)

// DefaultLockTimeout is how long a lock holds when its owner never
// releases it (crash, lost process). Held locks are refreshed every third
// of it, so synchronizations may run longer.
const DefaultLockTimeout = 10 * time.Minute

const lockPrefix = "SyncingLock/"

// FileLock is the config entry marking a file as being synchronized.
type FileLock struct {
	FileName string    `json:"fileName"`
	Owner    string    `json:"owner"`
	ServerID string    `json:"serverId"`
	Expires  time.Time `json:"expires"`
}

// Locker hands out per-file advisory locks. Acquiring a held lock fails
// right away with ErrFileLocked.
type Locker struct {
	store    *storage.Engine
	clock    clockwork.Clock
	timeout  time.Duration
	serverID string
	consumer *state.Consumer
}

func NewLocker(store *storage.Engine, clock clockwork.Clock, timeout time.Duration, serverID string, consumer *state.Consumer) *Locker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if consumer == nil {
		consumer = &state.Consumer{}
	}
	return &Locker{
		store:    store,
		clock:    clock,
		timeout:  timeout,
		serverID: serverID,
		consumer: consumer,
	}
}

func lockKey(fileName string) string {
	return lockPrefix + fileName
}

// Lock is a held FileLock.
type Lock struct {
	locker *Locker
	lock   FileLock

	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelCauseFunc
	stopOnce sync.Once
	// lost is only read once done is closed.
	lost error
}

// Acquire takes the lock of fileName, unless someone holds it and it
// hasn't expired.
func (l *Locker) Acquire(fileName string) (*Lock, error) {
	fl := FileLock{
		FileName: fileName,
		Owner:    uuid.NewString(),
		ServerID: l.serverID,
	}

	err := NewRetryContext(l.consumer, 0).Do(func() error {
		return l.store.Batch(func(tx *storage.Tx) error {
			ce, err := tx.GetConfig(lockKey(fileName))
			if err != nil && !storage.IsNotFound(err) {
				return err
			}

			now := l.clock.Now()
			if ce != nil {
				held := FileLock{}
				if err := ce.Decode(&held); err == nil && now.Before(held.Expires) {
					return errors.Wrapf(ErrFileLocked, "%s is locked until %s", fileName, held.Expires.Format(time.RFC3339))
				}
			}

			fl.Expires = now.Add(l.timeout)
			_, err = tx.PutConfig(lockKey(fileName), &fl)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &Lock{locker: l, lock: fl}, nil
}

// IsLocked reports whether fileName has an unexpired lock.
func (l *Locker) IsLocked(fileName string) (bool, error) {
	ce, err := l.store.GetConfig(lockKey(fileName))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	held := FileLock{}
	if err := ce.Decode(&held); err != nil {
		return false, nil
	}
	return l.clock.Now().Before(held.Expires), nil
}

// Refresh pushes the expiry a full timeout away from now.
func (lk *Lock) Refresh() error {
	l := lk.locker
	fileName := lk.lock.FileName
	return NewRetryContext(l.consumer, 0).Do(func() error {
		return l.store.Batch(func(tx *storage.Tx) error {
			ce, err := tx.GetConfig(lockKey(fileName))
			if err != nil {
				if storage.IsNotFound(err) {
					return errors.Wrapf(ErrLockLost, "%s", fileName)
				}
				return err
			}

			held := FileLock{}
			if err := ce.Decode(&held); err != nil || held.Owner != lk.lock.Owner {
				return errors.Wrapf(ErrLockLost, "%s", fileName)
			}

			held.Expires = l.clock.Now().Add(l.timeout)
			_, err = tx.PutConfig(lockKey(fileName), &held)
			return err
		})
	})
}

// Hold refreshes the lock in the background until Release. The returned
// context is cancelled with ErrLockLost as its cause if the lock is taken
// over meanwhile. Other refresh failures are retried on the next tick.
func (lk *Lock) Hold(ctx context.Context) context.Context {
	l := lk.locker
	ctx, lk.cancel = context.WithCancelCause(ctx)
	lk.stop = make(chan struct{})
	lk.done = make(chan struct{})

	ticker := l.clock.NewTicker(l.timeout / 3)
	go func() {
		defer close(lk.done)
		defer ticker.Stop()

		for {
			select {
			case <-lk.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				err := lk.Refresh()
				if err == nil {
					continue
				}
				if errors.Is(err, ErrLockLost) {
					lk.lost = err
					lk.cancel(err)
					return
				}
				l.consumer.Warnf("could not refresh lock of %s: %v", lk.lock.FileName, err)
			}
		}
	}()
	return ctx
}

// Lost returns ErrLockLost if Hold saw the lock taken over. Only valid
// after Release.
func (lk *Lock) Lost() error {
	return lk.lost
}

// Release drops the lock if it is still ours. Releasing twice is fine.
func (lk *Lock) Release() error {
	if lk.stop != nil {
		lk.stopOnce.Do(func() {
			close(lk.stop)
			<-lk.done
			lk.cancel(context.Canceled)
		})
	}

	l := lk.locker
	return NewRetryContext(l.consumer, 0).Do(func() error {
		return l.store.Batch(func(tx *storage.Tx) error {
			ce, err := tx.GetConfig(lockKey(lk.lock.FileName))
			if err != nil {
				if storage.IsNotFound(err) {
					return nil
				}
				return err
			}

			held := FileLock{}
			if err := ce.Decode(&held); err == nil && held.Owner != lk.lock.Owner {
				// expired and taken over
				return nil
			}

			tx.DeleteConfig(lockKey(lk.lock.FileName))
			return nil
		})
	})
}
