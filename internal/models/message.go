package models

import (
	"strings"
	"time"
)

// UserID identifies a user. Ids are assigned by the user service; chat only references them.
type UserID int64

// ImageSentinel replaces the conversation preview when a message carries only an image.
const ImageSentinel = "[Image]"

// Message represents a private message between two users.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   UserID    `json:"sender_id"`
	ReceiverID UserID    `json:"receiver_id"`
	Content    string    `json:"content"`
	Image      []byte    `json:"image,omitempty"` // base64 on the wire
	CreatedAt  time.Time `json:"created_at"`
}

// Preview returns the text shown in the recent conversations list.
// Blank text counts as no text.
func (m *Message) Preview() string {
	if strings.TrimSpace(m.Content) == "" {
		return ImageSentinel
	}
	return m.Content
}
