// Package unread derives per-conversation and aggregate unread totals for the
// signed-in user from the message change feed. The index is non-authoritative:
// it is rebuilt from the datastore whenever the feed (re)connects and adjusted
// incrementally in between.
package unread

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/matchwork/comms/internal/store"
)

var log = logging.Logger("comms/unread")

// Counter tracks unread message counts. The aggregate total is always the sum
// of the per-conversation counts and never negative.
type Counter struct {
	st     store.Store
	selfID string

	mu     sync.RWMutex
	counts map[string]int
	total  int

	onChange func(conversationID string, count, total int)
}

// New creates a Counter for the signed-in user.
func New(st store.Store, selfID string) *Counter {
	return &Counter{st: st, selfID: selfID, counts: make(map[string]int)}
}

// OnChange registers an observer fired after every count adjustment.
func (c *Counter) OnChange(fn func(conversationID string, count, total int)) {
	c.onChange = fn
}

// Recompute rebuilds the index from the datastore. Called on load and after
// every feed reconnect — it covers any events missed during a gap.
func (c *Counter) Recompute(ctx context.Context) error {
	counts, err := c.st.UnreadCounts(ctx, c.selfID)
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	c.mu.Lock()
	c.counts = counts
	c.total = total
	c.mu.Unlock()

	log.Debugf("UNREAD: recomputed (%d conversations, total=%d)", len(counts), total)
	c.notify("", 0)
	return nil
}

// ApplyInsert adjusts for a change-feed insert: counts only messages from the
// counterpart that are not yet read.
func (c *Counter) ApplyInsert(m *store.Message) {
	if m.SenderID == c.selfID || m.ReadAt != nil {
		return
	}
	c.mu.Lock()
	c.counts[m.ConversationID]++
	c.total++
	n := c.counts[m.ConversationID]
	c.mu.Unlock()
	c.notify(m.ConversationID, n)
}

// ApplyRead adjusts for a read_at transition (null → non-null) on a message
// addressed to the user. Counts never go negative: a decrement at zero is
// clamped and logged — it indicates a missed or duplicated feed event.
func (c *Counter) ApplyRead(m *store.Message) {
	if m.SenderID == c.selfID || m.ReadAt == nil {
		return
	}
	c.mu.Lock()
	if c.counts[m.ConversationID] <= 0 {
		c.mu.Unlock()
		log.Warnf("UNREAD [%s]: decrement at zero for %s — missed or duplicated event", m.ConversationID, m.ID)
		return
	}
	c.counts[m.ConversationID]--
	n := c.counts[m.ConversationID]
	if n == 0 {
		delete(c.counts, m.ConversationID)
	}
	c.total--
	c.mu.Unlock()
	c.notify(m.ConversationID, n)
}

// Count returns the unread count for one conversation.
func (c *Counter) Count(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[conversationID]
}

// Total returns the aggregate unread count across all conversations.
func (c *Counter) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// Counts returns a snapshot of the per-conversation index.
func (c *Counter) Counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func (c *Counter) notify(conversationID string, count int) {
	if c.onChange != nil {
		c.onChange(conversationID, count, c.Total())
	}
}
