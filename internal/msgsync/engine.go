// Package msgsync keeps one open conversation's transcript consistent with
// the message change feed: ordered-by-creation-time rendering, optimistic
// sends, read receipts, and idempotent folding of remote events.
package msgsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/matchwork/comms/internal/store"
)

var log = logging.Logger("comms/msgsync")

// Entry is one transcript row. Failed marks an optimistic append whose insert
// never reached the datastore; it is kept visible so the user can resend.
type Entry struct {
	store.Message
	Failed bool `json:"failed,omitempty"`
}

// SyncError wraps a datastore failure during send, transcript load, or
// read-receipt update. Transient: surfaced to the UI, never fatal.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync: %s: %v", e.Op, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

// Engine maintains the transcript of the currently open conversation.
// Change-feed events are folded in via ApplyInsert/ApplyUpdate; events for
// other conversations are not consumed here (the owner forwards them to the
// unread counter and notification dispatcher).
type Engine struct {
	st     store.Store
	selfID string

	mu             sync.RWMutex
	conversationID string // "" when no conversation is open
	transcript     []*Entry
	onChange       func() // observer, fired after every transcript mutation
}

// New creates an Engine for the signed-in user.
func New(st store.Store, selfID string) *Engine {
	return &Engine{st: st, selfID: selfID}
}

// OnChange registers the transcript observer. Must be set before use.
func (e *Engine) OnChange(fn func()) { e.onChange = fn }

// ConversationID returns the open conversation, or "".
func (e *Engine) ConversationID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conversationID
}

// OpenConversation loads the full transcript (ascending by creation time) and
// marks every counterpart message that is not yet read. After it returns, no
// unread message older than now remains from the counterpart's side.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]*Entry, error) {
	msgs, err := e.st.Messages(ctx, conversationID)
	if err != nil {
		return nil, &SyncError{Op: "load transcript", Err: err}
	}

	entries := make([]*Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = &Entry{Message: *m}
	}

	e.mu.Lock()
	e.conversationID = conversationID
	e.transcript = entries
	e.mu.Unlock()

	// Batch read receipt. The resulting update events also flow back through
	// the change feed; ApplyUpdate is idempotent for rows already patched here.
	updated, err := e.st.MarkRead(ctx, conversationID, e.selfID, time.Now().UTC())
	if err != nil {
		return e.Transcript(), &SyncError{Op: "mark read", Err: err}
	}
	for _, m := range updated {
		e.patch(m)
	}

	log.Debugf("SYNC [%s]: opened (%d messages, %d marked read)", conversationID, len(entries), len(updated))
	e.notify()
	return e.Transcript(), nil
}

// CloseConversation drops the open transcript. Events for the conversation
// stop being consumed immediately.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.conversationID = ""
	e.transcript = nil
	e.mu.Unlock()
}

// Send persists a message with DeliveredAt=now and appends it to the
// transcript optimistically — it does not wait for the change-feed echo.
// On insert failure the entry is kept and marked Failed (no rollback, no
// auto-retry); the conversation's last-activity bump is best-effort.
func (e *Engine) Send(ctx context.Context, body string) (*Entry, error) {
	conversationID := e.ConversationID()
	if conversationID == "" {
		return nil, &SyncError{Op: "send", Err: fmt.Errorf("no open conversation")}
	}

	now := time.Now().UTC()
	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Content:        body,
		DeliveredAt:    &now,
	}

	row, err := e.st.InsertMessage(ctx, m)
	if err != nil {
		m.CreatedAt = now
		entry := &Entry{Message: *m, Failed: true}
		e.append(entry)
		e.notify()
		return entry, &SyncError{Op: "send", Err: err}
	}

	entry := &Entry{Message: *row}
	e.append(entry)

	if err := e.st.TouchConversation(ctx, conversationID, row.CreatedAt); err != nil {
		// Stale ordering in conversation lists only — not data loss.
		log.Warnf("SYNC [%s]: bump last-activity: %v", conversationID, err)
	}

	e.notify()
	return entry, nil
}

// ApplyInsert folds a change-feed insert. Returns true when the message
// belongs to the open conversation and was consumed here; the caller forwards
// everything else to the unread counter. Duplicate ids (feed echo racing the
// optimistic append) are skipped.
func (e *Engine) ApplyInsert(ctx context.Context, m *store.Message) bool {
	e.mu.Lock()
	if e.conversationID == "" || m.ConversationID != e.conversationID {
		e.mu.Unlock()
		return false
	}
	if e.indexOf(m.ID) >= 0 {
		e.mu.Unlock()
		return true
	}
	e.insertSorted(&Entry{Message: *m})
	fromCounterpart := m.SenderID != e.selfID
	e.mu.Unlock()

	if fromCounterpart {
		// The conversation is on screen: mark the new message read immediately
		// so the sender's read receipt renders without a visit round-trip.
		updated, err := e.st.MarkRead(ctx, m.ConversationID, e.selfID, time.Now().UTC())
		if err != nil {
			log.Warnf("SYNC [%s]: mark read on insert: %v", m.ConversationID, err)
		}
		for _, u := range updated {
			e.patch(u)
		}
	}
	e.notify()
	return true
}

// ApplyUpdate folds a change-feed update: when a row's ReadAt went non-null
// and it belongs to the open transcript, the matching entry is patched in
// place (renders the read-receipt indicator on the sender's side).
func (e *Engine) ApplyUpdate(m *store.Message) bool {
	e.mu.RLock()
	open := e.conversationID != "" && m.ConversationID == e.conversationID
	e.mu.RUnlock()
	if !open {
		return false
	}
	if m.ReadAt == nil {
		return true
	}
	if e.patch(m) {
		e.notify()
	}
	return true
}

// Transcript returns a snapshot of the open transcript in creation-time order.
func (e *Engine) Transcript() []*Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Entry, len(e.transcript))
	copy(out, e.transcript)
	return out
}

// ── transcript internals ─────────────────────────────────────────────────────

// indexOf returns the position of id, or -1. Caller holds e.mu.
func (e *Engine) indexOf(id string) int {
	for i, entry := range e.transcript {
		if entry.ID == id {
			return i
		}
	}
	return -1
}

// insertSorted places the entry by (CreatedAt, ID) so concurrent sends from
// both parties render in server-timestamp order regardless of the order their
// feed events arrived. Caller holds e.mu.
func (e *Engine) insertSorted(entry *Entry) {
	i := sort.Search(len(e.transcript), func(i int) bool {
		t := e.transcript[i]
		if !t.CreatedAt.Equal(entry.CreatedAt) {
			return t.CreatedAt.After(entry.CreatedAt)
		}
		return t.ID > entry.ID
	})
	e.transcript = append(e.transcript, nil)
	copy(e.transcript[i+1:], e.transcript[i:])
	e.transcript[i] = entry
}

func (e *Engine) append(entry *Entry) {
	e.mu.Lock()
	if e.indexOf(entry.ID) < 0 {
		e.insertSorted(entry)
	}
	e.mu.Unlock()
}

// patch overwrites the stored entry's receipt timestamps from m. ReadAt is
// monotonically non-decreasing and never cleared.
func (e *Engine) patch(m *store.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(m.ID)
	if i < 0 {
		return false
	}
	entry := e.transcript[i]
	if m.DeliveredAt != nil {
		entry.DeliveredAt = m.DeliveredAt
	}
	if m.ReadAt != nil && entry.ReadAt == nil {
		entry.ReadAt = m.ReadAt
	}
	return true
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}
