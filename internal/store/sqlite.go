package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/farmchat/internal/models"
)

// SQLiteStore handles SQLite database operations.
// Timestamps are stored as unix microseconds so ordering comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chat.db". ":memory:" opens a private in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chat.db"
	}

	if dbPath != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps an in-memory database shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL,
		receiver_id INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		image BLOB,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recent_chats (
		user1_id INTEGER NOT NULL,
		user2_id INTEGER NOT NULL,
		last_message TEXT NOT NULL,
		last_message_time INTEGER NOT NULL,
		last_message_id INTEGER NOT NULL,
		PRIMARY KEY (user1_id, user2_id),
		CHECK (user1_id <= user2_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair
		ON messages (min(sender_id, receiver_id), max(sender_id, receiver_id), created_at, id);
	CREATE INDEX IF NOT EXISTS idx_recent_chats_user2 ON recent_chats(user2_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage inserts a new message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, senderID, receiverID models.UserID, content string, image []byte, at time.Time) (*models.Message, error) {
	defer observe("append_message", time.Now())

	at = at.UTC().Truncate(time.Microsecond)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, image, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, int64(senderID), int64(receiverID), content, image, at.UnixMicro())
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &models.Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Image:      image,
		CreatedAt:  at,
	}, nil
}

// History retrieves all messages between two users in send order.
func (s *SQLiteStore) History(ctx context.Context, a, b models.UserID) ([]models.Message, error) {
	defer observe("history", time.Now())

	lo, hi := models.CanonicalPair(a, b)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, image, created_at
		FROM messages
		WHERE min(sender_id, receiver_id) = ?
		  AND max(sender_id, receiver_id) = ?
		ORDER BY created_at ASC, id ASC
	`, int64(lo), int64(hi))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var createdAt int64

		err := rows.Scan(
			&msg.ID,
			&msg.SenderID,
			&msg.ReceiverID,
			&msg.Content,
			&msg.Image,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}

		msg.CreatedAt = time.UnixMicro(createdAt).UTC()
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// UpsertConversation inserts or advances the summary row for the pair in one statement.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, a, b models.UserID, lastMessage string, at time.Time, messageID int64) error {
	defer observe("upsert_conversation", time.Now())

	lo, hi := models.CanonicalPair(a, b)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recent_chats (user1_id, user2_id, last_message, last_message_time, last_message_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user1_id, user2_id) DO UPDATE
		SET last_message = excluded.last_message,
		    last_message_time = excluded.last_message_time,
		    last_message_id = excluded.last_message_id
		WHERE (recent_chats.last_message_time, recent_chats.last_message_id)
		   <= (excluded.last_message_time, excluded.last_message_id)
	`, int64(lo), int64(hi), lastMessage, at.UTC().Truncate(time.Microsecond).UnixMicro(), messageID)
	return err
}

// RecentConversations retrieves the user's conversations, most recent first.
func (s *SQLiteStore) RecentConversations(ctx context.Context, userID models.UserID) ([]models.RecentConversation, error) {
	defer observe("recent_conversations", time.Now())

	id := int64(userID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN user1_id = ? THEN user2_id ELSE user1_id END AS peer_id,
		       last_message, last_message_time, last_message_id
		FROM recent_chats
		WHERE (user1_id = ? OR user2_id = ?)
		  AND user1_id <> user2_id
		ORDER BY last_message_time DESC, last_message_id DESC
	`, id, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []models.RecentConversation{}
	for rows.Next() {
		var conv models.RecentConversation
		var lastTime int64

		err := rows.Scan(
			&conv.PeerID,
			&conv.LastMessage,
			&lastTime,
			&conv.LastMessageID,
		)
		if err != nil {
			return nil, err
		}

		conv.LastMessageTime = time.UnixMicro(lastTime).UTC()
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// GetUsers retrieves display profiles for the given ids. Unknown ids are absent from the result.
func (s *SQLiteStore) GetUsers(ctx context.Context, ids []models.UserID) (map[models.UserID]models.UserProfile, error) {
	profiles := make(map[models.UserID]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p models.UserProfile
		if err := rows.Scan(&p.ID, &p.Name, &p.Role); err != nil {
			return nil, err
		}
		profiles[p.ID] = p
	}

	return profiles, rows.Err()
}

// UpsertUser writes a display profile. The user service owns this table in production;
// this exists for local development and tests.
func (s *SQLiteStore) UpsertUser(ctx context.Context, p models.UserProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role
	`, int64(p.ID), p.Name, p.Role)
	return err
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CountConversations returns the number of distinct conversations.
func (s *SQLiteStore) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recent_chats`).Scan(&count)
	return count, err
}

// GetMostRecentActivity returns the time of the latest message across all conversations.
func (s *SQLiteStore) GetMostRecentActivity(ctx context.Context) (*time.Time, error) {
	var micros sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(last_message_time) FROM recent_chats`).Scan(&micros)
	if err != nil {
		return nil, err
	}
	if !micros.Valid {
		return nil, nil
	}
	t := time.UnixMicro(micros.Int64).UTC()
	return &t, nil
}
