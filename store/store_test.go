package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlphafromZion/matrix-agent-room/transport"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func evt(seq int64, room, sender, body string) transport.RoomEvent {
	return transport.RoomEvent{
		ID: "evt-" + room + "-" + string(rune('0'+seq)), RoomID: room,
		Sender: sender, SenderName: "Alice", Body: body, Seq: seq,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTest(t)

	seq, err := s.GetCursor("alpha")
	require.NoError(t, err)
	assert.EqualValues(t, 0, seq, "unknown persona starts at 0")

	require.NoError(t, s.SetCursor("alpha", 17))
	require.NoError(t, s.SetCursor("alpha", 42)) // upsert

	seq, err = s.GetCursor("alpha")
	require.NoError(t, err)
	assert.EqualValues(t, 42, seq)

	// Other personas are unaffected.
	seq, err = s.GetCursor("beta")
	require.NoError(t, err)
	assert.EqualValues(t, 0, seq)
}

func TestTranscriptRecordAndRecent(t *testing.T) {
	s := openTest(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.RecordEvent("alpha", evt(i, "!room", "@alice:x", "msg")))
	}

	events, err := s.RecentEvents("alpha", "!room", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Oldest first, trimmed from the front.
	assert.EqualValues(t, 3, events[0].Seq)
	assert.EqualValues(t, 5, events[2].Seq)
	assert.Equal(t, "Alice", events[0].SenderName)
}

func TestRecentEventsHonorsLargeLimit(t *testing.T) {
	s := openTest(t)

	for i := int64(1); i <= 130; i++ {
		e := transport.RoomEvent{
			ID: fmt.Sprintf("evt-%d", i), RoomID: "!room",
			Sender: "@alice:x", Body: "msg", Seq: i,
			Timestamp: time.Now().UTC(),
		}
		require.NoError(t, s.RecordEvent("alpha", e))
	}

	// A window cap above 100 still primes that many events.
	events, err := s.RecentEvents("alpha", "!room", 120)
	require.NoError(t, err)
	require.Len(t, events, 120)
	assert.EqualValues(t, 11, events[0].Seq)
	assert.EqualValues(t, 130, events[119].Seq)
}

func TestTranscriptIgnoresReplayedEvents(t *testing.T) {
	s := openTest(t)

	e := evt(1, "!room", "@alice:x", "once")
	require.NoError(t, s.RecordEvent("alpha", e))
	require.NoError(t, s.RecordEvent("alpha", e), "replayed insert must not error")

	events, err := s.RecentEvents("alpha", "!room", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTranscriptIsPerPersona(t *testing.T) {
	s := openTest(t)

	e := evt(1, "!room", "@alice:x", "shared room")
	require.NoError(t, s.RecordEvent("alpha", e))
	require.NoError(t, s.RecordEvent("beta", e))

	alphaEvents, err := s.RecentEvents("alpha", "!room", 10)
	require.NoError(t, err)
	assert.Len(t, alphaEvents, 1)

	betaEvents, err := s.RecentEvents("beta", "!room", 10)
	require.NoError(t, err)
	assert.Len(t, betaEvents, 1)
}

func TestRooms(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.RecordEvent("alpha", evt(1, "!a", "@alice:x", "hi")))
	require.NoError(t, s.RecordEvent("alpha", evt(2, "!b", "@alice:x", "ho")))
	require.NoError(t, s.RecordEvent("beta", evt(3, "!c", "@alice:x", "hu")))

	rooms, err := s.Rooms("alpha")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"!a", "!b"}, rooms)
}
