// ABOUTME: History log tests against a real SQLite file in a temp dir.
// ABOUTME: Covers recording, redelivery no-ops, and both query paths.

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func entry(id, conversation string, direction Direction, at time.Time) *Entry {
	return &Entry{
		MessageID:      id,
		Direction:      direction,
		Intent:         "share_insights",
		SenderID:       "agent.alice",
		RecipientID:    "agent.bob",
		ConversationID: conversation,
		CreatedAt:      at,
		Raw:            []byte(`{"message_id":"` + id + `"}`),
	}
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, l.Record(ctx, entry(id, "conv-1", DirectionSent, base.Add(time.Duration(i)*time.Second))))
	}

	entries, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m3", entries[0].MessageID, "newest first")
	assert.Equal(t, "m2", entries[1].MessageID)
	assert.Equal(t, DirectionSent, entries[0].Direction)
	assert.JSONEq(t, `{"message_id":"m3"}`, string(entries[0].Raw))
}

func TestRecord_RedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	e := entry("m1", "conv-1", DirectionReceived, time.Now().UTC())
	require.NoError(t, l.Record(ctx, e))
	require.NoError(t, l.Record(ctx, e), "same id and direction records once")

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRecord_SameIDBothDirections(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	now := time.Now().UTC()
	require.NoError(t, l.Record(ctx, entry("m1", "conv-1", DirectionSent, now)))
	require.NoError(t, l.Record(ctx, entry("m1", "conv-1", DirectionReceived, now)))

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestByConversation(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Record(ctx, entry("m1", "conv-1", DirectionSent, base)))
	require.NoError(t, l.Record(ctx, entry("m2", "conv-2", DirectionSent, base.Add(time.Second))))
	require.NoError(t, l.Record(ctx, entry("m3", "conv-1", DirectionReceived, base.Add(2*time.Second))))

	entries, err := l.ByConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].MessageID, "chronological order")
	assert.Equal(t, "m3", entries[1].MessageID)
}

func TestRecord_DefaultsCreatedAt(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	e := entry("m1", "conv-1", DirectionSent, time.Time{})
	require.NoError(t, l.Record(ctx, e))
	assert.False(t, e.CreatedAt.IsZero())
}
