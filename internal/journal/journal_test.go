package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/token"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), token.NewSequenceGenerator("ev"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndReadBack(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, bus.Event{
		Type:      "chain:applied",
		Domain:    "geometry",
		Source:    "chain",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"update_id": "u1", "depth": 1},
	}))
	require.NoError(t, j.Append(ctx, bus.Event{
		Type:   "chain:buffered",
		Domain: "geometry",
		Source: "chain",
	}))

	entries, err := j.Events(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "chain:applied", entries[0].Type)
	assert.Equal(t, "geometry", entries[0].Domain)
	assert.Equal(t, "u1", entries[0].Payload["update_id"])
	assert.Equal(t, float64(1), entries[0].Payload["depth"])
	assert.NotEmpty(t, entries[0].Fingerprint)
	assert.Less(t, entries[0].Seq, entries[1].Seq)

	assert.Nil(t, entries[1].Payload)
}

func TestEventsTypeFilter(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, bus.Event{Type: "a:one"}))
	require.NoError(t, j.Append(ctx, bus.Event{Type: "b:two"}))
	require.NoError(t, j.Append(ctx, bus.Event{Type: "a:one"}))

	entries, err := j.Events(ctx, "a:one")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIdenticalPayloadsShareFingerprint(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	// Key order must not matter for the fingerprint.
	require.NoError(t, j.Append(ctx, bus.Event{
		Type:    "x",
		Payload: map[string]any{"a": 1, "b": "two"},
	}))
	require.NoError(t, j.Append(ctx, bus.Event{
		Type:    "x",
		Payload: map[string]any{"b": "two", "a": 1},
	}))

	entries, err := j.Events(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Fingerprint, entries[1].Fingerprint)
}

func TestReplayReemitsInOrder(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, j.Append(ctx, bus.Event{
			Type:    "geometry:update",
			Domain:  "geometry",
			Payload: map[string]any{"update_id": id},
		}))
	}

	b := bus.New()
	var seen []string
	b.On("geometry:update", func(ev bus.Event) {
		seen = append(seen, ev.Payload["update_id"].(string))
	})

	n, err := j.Replay(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"u1", "u2", "u3"}, seen)
}

func TestRecorderJournalsBusTraffic(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	b := bus.New()

	unsub := j.Record(ctx, b)
	b.Emit(bus.Event{Type: "focus:changed", Payload: map[string]any{"surface": "modal"}})
	b.Emit(bus.Event{Type: "transaction:confirmed"})
	unsub()
	b.Emit(bus.Event{Type: "not:recorded"})

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(path, token.NewSequenceGenerator("ev"))
	require.NoError(t, err)
	require.NoError(t, j1.Append(context.Background(), bus.Event{Type: "x"}))
	require.NoError(t, j1.Close())

	j2, err := Open(path, token.NewSequenceGenerator("ev2"))
	require.NoError(t, err)
	defer j2.Close()

	n, err := j2.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
