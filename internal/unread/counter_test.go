package unread

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchwork/comms/internal/store"
)

// countsStore stubs the single query Recompute needs.
type countsStore struct {
	store.Store
	counts map[string]int
	err    error
}

func (s *countsStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}

func msg(conv, sender string, read bool) *store.Message {
	m := &store.Message{
		ID:             conv + "-" + sender,
		ConversationID: conv,
		SenderID:       sender,
		CreatedAt:      time.Now().UTC(),
	}
	if read {
		at := time.Now().UTC()
		m.ReadAt = &at
	}
	return m
}

func TestRecomputeRebuildsIndex(t *testing.T) {
	st := &countsStore{counts: map[string]int{"c1": 2, "c2": 1}}
	c := New(st, "alice")

	// Drift the index first; Recompute must discard it.
	c.ApplyInsert(msg("c9", "bob", false))

	require.NoError(t, c.Recompute(context.Background()))
	assert.Equal(t, 2, c.Count("c1"))
	assert.Equal(t, 1, c.Count("c2"))
	assert.Equal(t, 0, c.Count("c9"))
	assert.Equal(t, 3, c.Total())
}

func TestRecomputeError(t *testing.T) {
	st := &countsStore{err: errors.New("db gone")}
	c := New(st, "alice")
	c.ApplyInsert(msg("c1", "bob", false))

	require.Error(t, c.Recompute(context.Background()))
	assert.Equal(t, 1, c.Count("c1"), "failed recompute leaves the index intact")
}

func TestApplyInsert(t *testing.T) {
	c := New(&countsStore{}, "alice")

	c.ApplyInsert(msg("c1", "bob", false))
	c.ApplyInsert(msg("c1", "bob", false))
	c.ApplyInsert(msg("c2", "carol", false))
	assert.Equal(t, 2, c.Count("c1"))
	assert.Equal(t, 1, c.Count("c2"))
	assert.Equal(t, 3, c.Total(), "total is the sum of per-conversation counts")

	// Own messages and already-read rows never count.
	c.ApplyInsert(msg("c1", "alice", false))
	c.ApplyInsert(msg("c1", "bob", true))
	assert.Equal(t, 3, c.Total())
}

func TestApplyReadDecrements(t *testing.T) {
	c := New(&countsStore{}, "alice")
	c.ApplyInsert(msg("c1", "bob", false))
	c.ApplyInsert(msg("c1", "bob", false))

	c.ApplyRead(msg("c1", "bob", true))
	assert.Equal(t, 1, c.Count("c1"))
	assert.Equal(t, 1, c.Total())

	c.ApplyRead(msg("c1", "bob", true))
	assert.Equal(t, 0, c.Count("c1"))
	assert.Equal(t, 0, c.Total())
	assert.NotContains(t, c.Counts(), "c1", "zeroed conversations drop out of the index")
}

func TestApplyReadClampsAtZero(t *testing.T) {
	c := New(&countsStore{}, "alice")

	// Duplicate feed delivery: the second decrement has nothing to remove.
	c.ApplyInsert(msg("c1", "bob", false))
	c.ApplyRead(msg("c1", "bob", true))
	c.ApplyRead(msg("c1", "bob", true))

	assert.Equal(t, 0, c.Count("c1"))
	assert.Equal(t, 0, c.Total(), "counts are clamped, never negative")
}

func TestApplyReadIgnoresIrrelevantUpdates(t *testing.T) {
	c := New(&countsStore{}, "alice")
	c.ApplyInsert(msg("c1", "bob", false))

	c.ApplyRead(msg("c1", "alice", true)) // own message
	c.ApplyRead(msg("c1", "bob", false))  // read_at still null
	assert.Equal(t, 1, c.Total())
}

func TestOnChangeObserver(t *testing.T) {
	c := New(&countsStore{}, "alice")

	type event struct {
		conv         string
		count, total int
	}
	var events []event
	c.OnChange(func(conv string, count, total int) {
		events = append(events, event{conv, count, total})
	})

	c.ApplyInsert(msg("c1", "bob", false))
	c.ApplyRead(msg("c1", "bob", true))

	require.Len(t, events, 2)
	assert.Equal(t, event{"c1", 1, 1}, events[0])
	assert.Equal(t, event{"c1", 0, 0}, events[1])
}
