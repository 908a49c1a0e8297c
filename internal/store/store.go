package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/farmchat/internal/metrics"
	"github.com/eldtechnologies/farmchat/internal/models"
)

// MessageStore is the append-only message log.
type MessageStore interface {
	// AppendMessage inserts a message stamped with at and returns it with its assigned id.
	AppendMessage(ctx context.Context, senderID, receiverID models.UserID, content string, image []byte, at time.Time) (*models.Message, error)
	// History returns every message exchanged between a and b, oldest first.
	History(ctx context.Context, a, b models.UserID) ([]models.Message, error)
}

// ConversationIndex keeps one summary row per unordered user pair.
type ConversationIndex interface {
	// UpsertConversation atomically inserts or advances the pair's summary. A write
	// older than the stored (time, message id) is ignored.
	UpsertConversation(ctx context.Context, a, b models.UserID, lastMessage string, at time.Time, messageID int64) error
	// RecentConversations lists the user's conversations, most recent first.
	RecentConversations(ctx context.Context, userID models.UserID) ([]models.RecentConversation, error)
}

// UserDirectory reads display fields from the user service's table.
type UserDirectory interface {
	GetUsers(ctx context.Context, ids []models.UserID) (map[models.UserID]models.UserProfile, error)
}

// DataStore defines the interface for durable chat storage.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	MessageStore
	ConversationIndex
	UserDirectory

	// Stats
	CountMessages(ctx context.Context) (int64, error)
	CountConversations(ctx context.Context) (int64, error)
	GetMostRecentActivity(ctx context.Context) (*time.Time, error)
}

// observe records the latency of a store operation.
func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func userIDsToInt64(ids []models.UserID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
