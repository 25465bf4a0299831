package synchronization

import (
	"github.com/itchio/headway/state"
	"github.com/pkg/errors"
)

// DefaultMaxTries bounds the attempts of a metadata batch that keeps
// failing with ErrConcurrency.
const DefaultMaxTries = 128

type RetryContext struct {
	tries    int
	maxTries int
	consumer *state.Consumer
}

func NewRetryContext(consumer *state.Consumer, maxTries int) *RetryContext {
	if consumer == nil {
		consumer = &state.Consumer{}
	}
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	return &RetryContext{
		tries:    1,
		maxTries: maxTries,
		consumer: consumer,
	}
}

func (rc *RetryContext) ShouldTry() bool {
	return rc.tries < rc.maxTries
}

func (rc *RetryContext) Tries() int {
	return rc.tries
}

// Retry counts a failed attempt. The store arbitrates between writers, so
// there is no backoff.
func (rc *RetryContext) Retry(message string) {
	rc.consumer.Debugf("%s (attempt %d of %d)", message, rc.tries, rc.maxTries)
	rc.tries++
}

// Do runs fn until it returns something other than ErrConcurrency or the
// attempts run out.
func (rc *RetryContext) Do(fn func() error) error {
	for {
		err := fn()
		if err == nil || !errors.Is(err, ErrConcurrency) {
			return err
		}
		if !rc.ShouldTry() {
			return errors.Wrapf(err, "giving up after %d attempts", rc.tries)
		}
		rc.Retry(err.Error())
	}
}
