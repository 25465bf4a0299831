package notify

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SubscribeClose(t *testing.T) {
	b := NewBroadcaster()

	s1 := b.Subscribe(nil)
	s2 := b.Subscribe(nil)
	assert.EqualValues(t, 2, b.Count())

	s1.Close()
	assert.EqualValues(t, 1, b.Count())
	_, open := <-s1.Events()
	assert.False(t, open)

	// closing twice is harmless
	s1.Close()
	s2.Close()
	assert.EqualValues(t, 0, b.Count())

	// publishing to nobody is fine too
	b.Publish(Event{Type: EventFileChanged, FileName: "a.bin"})
}

func Test_Publish(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(nil)
	defer s.Close()

	b.Publish(Event{Type: EventConflictDetected, FileName: "a.bin"})

	select {
	case received := <-s.Events():
		assert.EqualValues(t, EventConflictDetected, received.Type)
		assert.EqualValues(t, "a.bin", received.FileName)
		assert.NotZero(t, received.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func received(s *Subscription) []Event {
	var res []Event
	for {
		select {
		case e := <-s.Events():
			res = append(res, e)
		default:
			return res
		}
	}
}

func Test_Filters(t *testing.T) {
	b := NewBroadcaster()
	file := b.Subscribe(ForFile("docs/a.txt"))
	dir := b.Subscribe(ForFile("docs/"))
	conflicts := b.Subscribe(All(ForFile("docs/"), OfTypes(EventConflictDetected, EventConflictResolved)))
	defer file.Close()
	defer dir.Close()
	defer conflicts.Close()

	b.Publish(Event{Type: EventFileChanged, FileName: "docs/a.txt"})
	b.Publish(Event{Type: EventConflictDetected, FileName: "docs/b.txt"})
	b.Publish(Event{Type: EventConflictDetected, FileName: "other/c.txt"})
	b.Publish(Event{Type: EventFileChanged, FileName: "docs/a.txt.bak"})

	names := func(events []Event) []string {
		var res []string
		for _, e := range events {
			res = append(res, e.Type+" "+e.FileName)
		}
		return res
	}

	assert.Equal(t, []string{"FileChanged docs/a.txt"}, names(received(file)))
	assert.Equal(t, []string{
		"FileChanged docs/a.txt",
		"ConflictDetected docs/b.txt",
		"FileChanged docs/a.txt.bak",
	}, names(received(dir)))
	assert.Equal(t, []string{"ConflictDetected docs/b.txt"}, names(received(conflicts)))
}

func Test_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(nil)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: EventFileChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	require.EqualValues(t, DefaultQueueSize, len(s.Events()))
	assert.EqualValues(t, 1000-DefaultQueueSize, s.Dropped())
}

func Test_WriteSSE(t *testing.T) {
	buf := new(bytes.Buffer)
	err := Event{Type: EventFileDeleted, FileName: "x", Timestamp: 42}.WriteSSE(buf)
	require.NoError(t, err)

	lines := strings.Split(buf.String(), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "event: FileDeleted", lines[0])
	assert.JSONEq(t, `{"type":"FileDeleted","fileName":"x","timestamp":42}`, strings.TrimPrefix(lines[1], "data: "))
	assert.Equal(t, "", lines[2])
	assert.Equal(t, "", lines[3])
}
