package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eldtechnologies/farmchat/internal/delivery"
	"github.com/eldtechnologies/farmchat/internal/models"
)

// SendMessageRequest represents the send message request body.
type SendMessageRequest struct {
	SenderID   models.UserID `json:"senderId"`
	ReceiverID models.UserID `json:"receiverId"`
	Message    string        `json:"message"`
	Image      []byte        `json:"image,omitempty"` // base64
}

// History handles fetching the messages exchanged between two users.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r, "userId")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid user ID")
		return
	}
	otherID, ok := userIDParam(r, "otherUserId")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid other user ID")
		return
	}

	msgs, err := h.history.GetHistory(r.Context(), userID, otherID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch chat history")
		return
	}

	h.JSON(w, http.StatusOK, msgs)
}

// Send handles the REST send path. It goes through the same delivery router as
// the WebSocket event, so an online recipient also gets the live push.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.router.Send(r.Context(), delivery.SendRequest{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Message,
		Image:      req.Image,
	})
	if err != nil {
		if errors.Is(err, delivery.ErrInvalidMessage) {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}

// Recent handles listing a user's conversations, most recent first.
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r, "userId")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	convs, err := h.history.GetRecentConversations(r.Context(), userID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch recent conversations")
		return
	}

	h.JSON(w, http.StatusOK, convs)
}
