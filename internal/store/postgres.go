package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/farmchat/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendMessage inserts a new message.
func (s *PostgresStore) AppendMessage(ctx context.Context, senderID, receiverID models.UserID, content string, image []byte, at time.Time) (*models.Message, error) {
	defer observe("append_message", time.Now())

	msg := &models.Message{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, image, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sender_id, receiver_id, content, image, created_at
	`, int64(senderID), int64(receiverID), content, image, at).Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Content,
		&msg.Image,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// History retrieves all messages between two users in send order.
func (s *PostgresStore) History(ctx context.Context, a, b models.UserID) ([]models.Message, error) {
	defer observe("history", time.Now())

	lo, hi := models.CanonicalPair(a, b)
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, content, image, created_at
		FROM messages
		WHERE LEAST(sender_id, receiver_id) = $1
		  AND GREATEST(sender_id, receiver_id) = $2
		ORDER BY created_at ASC, id ASC
	`, int64(lo), int64(hi))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(
			&msg.ID,
			&msg.SenderID,
			&msg.ReceiverID,
			&msg.Content,
			&msg.Image,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// UpsertConversation inserts or advances the summary row for the pair in one statement.
func (s *PostgresStore) UpsertConversation(ctx context.Context, a, b models.UserID, lastMessage string, at time.Time, messageID int64) error {
	defer observe("upsert_conversation", time.Now())

	lo, hi := models.CanonicalPair(a, b)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recent_chats (user1_id, user2_id, last_message, last_message_time, last_message_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user1_id, user2_id) DO UPDATE
		SET last_message = EXCLUDED.last_message,
		    last_message_time = EXCLUDED.last_message_time,
		    last_message_id = EXCLUDED.last_message_id
		WHERE (recent_chats.last_message_time, recent_chats.last_message_id)
		   <= (EXCLUDED.last_message_time, EXCLUDED.last_message_id)
	`, int64(lo), int64(hi), lastMessage, at, messageID)
	return err
}

// RecentConversations retrieves the user's conversations, most recent first.
func (s *PostgresStore) RecentConversations(ctx context.Context, userID models.UserID) ([]models.RecentConversation, error) {
	defer observe("recent_conversations", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT CASE WHEN user1_id = $1 THEN user2_id ELSE user1_id END AS peer_id,
		       last_message, last_message_time, last_message_id
		FROM recent_chats
		WHERE (user1_id = $1 OR user2_id = $1)
		  AND user1_id <> user2_id
		ORDER BY last_message_time DESC, last_message_id DESC
	`, int64(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []models.RecentConversation{}
	for rows.Next() {
		var conv models.RecentConversation
		err := rows.Scan(
			&conv.PeerID,
			&conv.LastMessage,
			&conv.LastMessageTime,
			&conv.LastMessageID,
		)
		if err != nil {
			return nil, err
		}
		conv.LastMessageTime = conv.LastMessageTime.UTC()
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// GetUsers retrieves display profiles for the given ids. Unknown ids are absent from the result.
func (s *PostgresStore) GetUsers(ctx context.Context, ids []models.UserID) (map[models.UserID]models.UserProfile, error) {
	profiles := make(map[models.UserID]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, role FROM users WHERE id = ANY($1)
	`, userIDsToInt64(ids))
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

// CountMessages returns the total number of stored messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CountConversations returns the number of distinct conversations.
func (s *PostgresStore) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM recent_chats`).Scan(&count)
	return count, err
}

// GetMostRecentActivity returns the time of the latest message across all conversations.
func (s *PostgresStore) GetMostRecentActivity(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(last_message_time) FROM recent_chats`).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}
