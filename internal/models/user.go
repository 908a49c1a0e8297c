package models

import "time"

// UserProfile holds the display fields owned by the user service.
type UserProfile struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// PresenceStatus is the shared online/last-seen snapshot for a user.
type PresenceStatus struct {
	UserID   UserID    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	Instance string    `json:"-"`
}
