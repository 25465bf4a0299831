package synchronization

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_RetryContext(t *testing.T) {
	rc := NewRetryContext(nil, 5)
	calls := 0
	err := rc.Do(func() error {
		calls++
		if calls < 3 {
			return errors.Wrap(ErrConcurrency, "config entry changed")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, rc.Tries())

	rc = NewRetryContext(nil, 4)
	calls = 0
	err = rc.Do(func() error {
		calls++
		return ErrConcurrency
	})
	assert.ErrorIs(t, err, ErrConcurrency)
	assert.Equal(t, 4, calls)
	assert.False(t, rc.ShouldTry())

	// other errors are not retried
	rc = NewRetryContext(nil, 0)
	calls = 0
	boom := errors.New("boom")
	err = rc.Do(func() error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}
