package handlers

import (
	"net/http"
	"time"
)

// PresenceResponse represents a user's online status.
type PresenceResponse struct {
	UserID   int64  `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
	Local    bool   `json:"local"` // connected to this instance
}

// Presence handles online status lookup.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r, "userId")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	_, local := h.registry.Lookup(userID)
	resp := PresenceResponse{UserID: int64(userID), Online: local, Local: local}

	if h.redis != nil {
		status, err := h.redis.GetPresence(r.Context(), userID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to fetch presence")
			return
		}
		if status != nil {
			resp.Online = resp.Online || status.Online
			if !status.LastSeen.IsZero() {
				resp.LastSeen = status.LastSeen.Format(time.RFC3339)
			}
		}
	}

	h.JSON(w, http.StatusOK, resp)
}
