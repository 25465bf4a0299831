package wtest

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// Must shows a complete error stack and fails a test immediately
// if err is non-nil
func Must(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Errorf("%+v", errors.WithStack(err))
		if os.Getenv("MUST_SLEEPS") == "1" {
			fmt.Printf("Asked to sleep forever after: %+v\n", errors.WithStack(err))
			fmt.Printf("Sleeping forever...")
			for {
				time.Sleep(1 * time.Second)
			}
		}
		t.FailNow()
	}
}

// AssertSameBytes fails with the offset of the first differing byte,
// rather than dumping both buffers.
func AssertSameBytes(t testing.TB, expected []byte, actual []byte) {
	t.Helper()
	if bytes.Equal(expected, actual) {
		return
	}

	if len(expected) != len(actual) {
		t.Fatalf("length mismatch: expected %d bytes, got %d", len(expected), len(actual))
	}

	for i := range expected {
		if expected[i] != actual[i] {
			t.Fatalf("content mismatch at offset %d (expected %x, got %x)", i, expected[i], actual[i])
		}
	}
}
