package inmem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runstream/journal"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	log := New(Options{})
	ctx := context.Background()

	var prev journal.EntryID
	for i := range 10 {
		id, err := log.Append(ctx, "c1", fmt.Appendf(nil, "entry-%d", i))
		require.NoError(t, err)
		if prev != "" {
			require.True(t, less(prev, id), "id %s should sort after %s", id, prev)
		}
		prev = id
	}
}

func TestReadRange(t *testing.T) {
	log := New(Options{})
	ctx := context.Background()

	var ids []journal.EntryID
	for i := range 5 {
		id, err := log.Append(ctx, "c1", fmt.Appendf(nil, "entry-%d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	t.Run("full range", func(t *testing.T) {
		entries, err := log.ReadRange(ctx, "c1", "", "", 0)
		require.NoError(t, err)
		require.Len(t, entries, 5)
		require.Equal(t, []byte("entry-0"), entries[0].Payload)
		require.Equal(t, []byte("entry-4"), entries[4].Payload)
	})

	t.Run("bounded range is inclusive", func(t *testing.T) {
		entries, err := log.ReadRange(ctx, "c1", ids[1], ids[3], 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, ids[1], entries[0].ID)
		require.Equal(t, ids[3], entries[2].ID)
	})

	t.Run("limit", func(t *testing.T) {
		entries, err := log.ReadRange(ctx, "c1", "", "", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})

	t.Run("unknown conversation is empty", func(t *testing.T) {
		entries, err := log.ReadRange(ctx, "nope", "", "", 0)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func TestTailReturnsStrictlyAfter(t *testing.T) {
	log := New(Options{})
	ctx := context.Background()

	id1, err := log.Append(ctx, "c1", []byte("one"))
	require.NoError(t, err)
	_, err = log.Append(ctx, "c1", []byte("two"))
	require.NoError(t, err)

	entries, err := log.Tail(ctx, "c1", id1, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("two"), entries[0].Payload)
}

func TestTailTimesOutEmpty(t *testing.T) {
	log := New(Options{})
	start := time.Now()
	entries, err := log.Tail(context.Background(), "c1", "", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, entries)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTailWakesOnAppend(t *testing.T) {
	log := New(Options{})
	ctx := context.Background()

	done := make(chan []journal.Entry, 1)
	go func() {
		entries, err := log.Tail(ctx, "c1", "", 10, 5*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := log.Append(ctx, "c1", []byte("wake up"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		require.Equal(t, []byte("wake up"), entries[0].Payload)
	case <-time.After(time.Second):
		t.Fatal("tail did not wake on append")
	}
}

func TestTailObservesCancellation(t *testing.T) {
	log := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := log.Tail(ctx, "c1", "", 10, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestApproximateTrim(t *testing.T) {
	log := New(Options{MaxLen: 10})
	ctx := context.Background()

	for i := range 200 {
		_, err := log.Append(ctx, "c1", fmt.Appendf(nil, "entry-%d", i))
		require.NoError(t, err)
	}

	entries, err := log.ReadRange(ctx, "c1", "", "", 0)
	require.NoError(t, err)
	// Trimming is approximate: retained length stays within MaxLen plus slack.
	require.LessOrEqual(t, len(entries), 10+trimSlack)
	require.NotEmpty(t, entries)
	// The newest entry always survives.
	require.Equal(t, []byte("entry-199"), entries[len(entries)-1].Payload)
}

func TestConversationsAreIsolated(t *testing.T) {
	log := New(Options{})
	ctx := context.Background()

	_, err := log.Append(ctx, "c1", []byte("for c1"))
	require.NoError(t, err)
	_, err = log.Append(ctx, "c2", []byte("for c2"))
	require.NoError(t, err)

	entries, err := log.ReadRange(ctx, "c1", "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("for c1"), entries[0].Payload)
}
