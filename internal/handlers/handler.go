package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/farmchat/internal/delivery"
	"github.com/eldtechnologies/farmchat/internal/history"
	"github.com/eldtechnologies/farmchat/internal/models"
	"github.com/eldtechnologies/farmchat/internal/presence"
	"github.com/eldtechnologies/farmchat/internal/relay"
	"github.com/eldtechnologies/farmchat/internal/store"
)

// Deps holds the collaborators the HTTP handlers call into.
// Redis and Relay are optional.
type Deps struct {
	Store    store.DataStore
	Redis    *store.RedisStore
	Relay    *relay.NATSRelay
	History  *history.Service
	Router   *delivery.Router
	Registry *presence.Registry
	Instance string
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.DataStore
	redis    *store.RedisStore
	relay    *relay.NATSRelay
	history  *history.Service
	router   *delivery.Router
	registry *presence.Registry
	instance string
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:    d.Store,
		redis:    d.Redis,
		relay:    d.Relay,
		history:  d.History,
		router:   d.Router,
		registry: d.Registry,
		instance: d.Instance,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// userIDParam parses a positive user id from a URL parameter.
func userIDParam(r *http.Request, name string) (models.UserID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return models.UserID(id), true
}
