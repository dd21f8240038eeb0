package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// feedCap is the per-subscriber change buffer. A subscriber that falls this
// far behind starts losing events; it recovers on the next full recompute.
const feedCap = 256

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	db   *sql.DB
	path string

	feedMu sync.Mutex
	feeds  map[*feed]struct{}
}

type feed struct {
	kinds map[ChangeKind]bool
	ch    chan Change
}

// Open opens or creates the database under dir.
func Open(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "comms.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Foreign keys and WAL mode for better concurrency.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			participant_a    TEXT NOT NULL,
			participant_b    TEXT NOT NULL,
			job_id           TEXT DEFAULT '',
			last_activity_at INTEGER NOT NULL,
			UNIQUE (participant_a, participant_b)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			delivered_at    INTEGER,
			read_at         INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages (conversation_id) WHERE read_at IS NULL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create profiles table: %w", err)
	}

	return &SQLite{db: db, path: dbPath, feeds: make(map[*feed]struct{})}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error {
	s.feedMu.Lock()
	for f := range s.feeds {
		close(f.ch)
	}
	s.feeds = make(map[*feed]struct{})
	s.feedMu.Unlock()
	return s.db.Close()
}

func (s *SQLite) EnsureConversation(ctx context.Context, a, b, jobID string) (*Conversation, error) {
	// Canonical participant order so (a,b) and (b,a) map to one row.
	pa, pb := a, b
	if strings.Compare(pa, pb) > 0 {
		pa, pb = pb, pa
	}

	c := &Conversation{}
	var lastActivity int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, job_id, last_activity_at
		FROM conversations WHERE participant_a = ? AND participant_b = ?`,
		pa, pb,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.JobID, &lastActivity)
	if err == nil {
		c.LastActivityAt = fromMicros(lastActivity)
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("select conversation: %w", err)
	}

	now := time.Now().UTC()
	c = &Conversation{
		ID:             uuid.NewString(),
		ParticipantA:   pa,
		ParticipantB:   pb,
		JobID:          jobID,
		LastActivityAt: now,
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, job_id, last_activity_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ParticipantA, c.ParticipantB, c.JobID, toMicros(now),
	); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	log.Debugf("STORE: created conversation %s (%s, %s)", c.ID, pa, pb)
	return c, nil
}

func (s *SQLite) Conversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_a, participant_b, job_id, last_activity_at
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_activity_at DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		var lastActivity int64
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.JobID, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.LastActivityAt = fromMicros(lastActivity)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`,
		toMicros(at), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *SQLite) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	row := *m
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = time.Now().UTC()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, delivered_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ConversationID, row.SenderID, row.Content,
		toMicros(row.CreatedAt), nullMicros(row.DeliveredAt), nullMicros(row.ReadAt),
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	s.emit(Change{Kind: ChangeInsert, Message: &row})
	return &row, nil
}

func (s *SQLite) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, delivered_at, read_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, delivered_at, read_at
		FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
		ORDER BY created_at ASC, id ASC`,
		conversationID, readerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	var unread []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		unread = append(unread, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(unread) == 0 {
		return nil, nil
	}

	// read_at implies delivered_at: a message read by the recipient was
	// necessarily delivered, so backfill delivered_at where it is missing.
	for _, m := range unread {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET read_at = ?, delivered_at = COALESCE(delivered_at, ?)
			WHERE id = ? AND read_at IS NULL`,
			toMicros(at), toMicros(at), m.ID,
		); err != nil {
			return nil, fmt.Errorf("mark read %s: %w", m.ID, err)
		}
		ts := at
		m.ReadAt = &ts
		if m.DeliveredAt == nil {
			m.DeliveredAt = &ts
		}
		s.emit(Change{Kind: ChangeUpdate, Message: m})
	}
	return unread, nil
}

func (s *SQLite) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_a = ? OR c.participant_b = ?)
		  AND m.sender_id != ? AND m.read_at IS NULL
		GROUP BY m.conversation_id`,
		userID, userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var conv string
		var n int
		if err := rows.Scan(&conv, &n); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[conv] = n
	}
	return counts, rows.Err()
}

func (s *SQLite) UpsertProfile(ctx context.Context, userID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET display_name = excluded.display_name`,
		userID, displayName)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *SQLite) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM profiles WHERE user_id = ?`, userID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return userID, nil
	}
	if err != nil {
		return "", fmt.Errorf("select profile: %w", err)
	}
	return name, nil
}

func (s *SQLite) SubscribeChanges(kinds []ChangeKind, fn func(Change)) (cancel func()) {
	f := &feed{
		kinds: make(map[ChangeKind]bool, len(kinds)),
		ch:    make(chan Change, feedCap),
	}
	for _, k := range kinds {
		f.kinds[k] = true
	}

	s.feedMu.Lock()
	s.feeds[f] = struct{}{}
	s.feedMu.Unlock()

	// One goroutine per subscriber keeps delivery in write order without
	// letting a slow consumer block writers.
	go func() {
		for c := range f.ch {
			fn(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.feedMu.Lock()
			if _, ok := s.feeds[f]; ok {
				delete(s.feeds, f)
				close(f.ch)
			}
			s.feedMu.Unlock()
		})
	}
}

func (s *SQLite) emit(c Change) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for f := range s.feeds {
		if !f.kinds[c.Kind] {
			continue
		}
		select {
		case f.ch <- c:
		default:
			log.Warnf("STORE: change feed subscriber full, dropping %s %s", c.Kind, c.Message.ID)
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	m := &Message{}
	var created int64
	var delivered, read sql.NullInt64
	if err := r.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &created, &delivered, &read); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.CreatedAt = fromMicros(created)
	if delivered.Valid {
		t := fromMicros(delivered.Int64)
		m.DeliveredAt = &t
	}
	if read.Valid {
		t := fromMicros(read.Int64)
		m.ReadAt = &t
	}
	return m, nil
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMicros(*t)
}
