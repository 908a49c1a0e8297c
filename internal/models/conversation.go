package models

import "time"

// RecentConversation is a conversation as seen from one participant.
type RecentConversation struct {
	PeerID          UserID    `json:"peer_id"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	LastMessageID   int64     `json:"-"`
}

// CanonicalPair orders a user pair so {a,b} and {b,a} map to the same key.
func CanonicalPair(a, b UserID) (UserID, UserID) {
	if a <= b {
		return a, b
	}
	return b, a
}
