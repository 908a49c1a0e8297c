// Package history serves read-only views of stored conversations.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/farmchat/internal/models"
)

// ErrRetrieval is returned when the underlying store cannot be read.
var ErrRetrieval = errors.New("failed to retrieve chat data")

// Store is the read side of the message store and conversation index.
type Store interface {
	History(ctx context.Context, a, b models.UserID) ([]models.Message, error)
	RecentConversations(ctx context.Context, userID models.UserID) ([]models.RecentConversation, error)
}

// Directory resolves display names and roles.
type Directory interface {
	GetUsers(ctx context.Context, ids []models.UserID) (map[models.UserID]models.UserProfile, error)
}

// Service answers history and recent-conversation queries.
type Service struct {
	store     Store
	directory Directory
	logger    zerolog.Logger
}

// NewService creates a history service. directory may be nil, in which case
// recent conversations are returned without names or roles.
func NewService(store Store, directory Directory, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		logger:    logger.With().Str("component", "history").Logger(),
	}
}

// GetHistory returns every message between a and b in chronological order.
// The result is identical for (a, b) and (b, a).
func (s *Service) GetHistory(ctx context.Context, a, b models.UserID) ([]models.Message, error) {
	msgs, err := s.store.History(ctx, a, b)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", int64(a)).Int64("other_user_id", int64(b)).Msg("history query failed")
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// GetRecentConversations lists userID's conversations, most recent first, joined
// with each peer's profile. A directory failure degrades to entries without
// names rather than failing the request.
func (s *Service) GetRecentConversations(ctx context.Context, userID models.UserID) ([]models.RecentConversation, error) {
	convs, err := s.store.RecentConversations(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", int64(userID)).Msg("recent conversations query failed")
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	if len(convs) == 0 {
		return []models.RecentConversation{}, nil
	}
	if s.directory == nil {
		return convs, nil
	}

	ids := make([]models.UserID, len(convs))
	for i, c := range convs {
		ids[i] = c.PeerID
	}

	profiles, err := s.directory.GetUsers(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", int64(userID)).Msg("user directory lookup failed")
		return convs, nil
	}

	for i := range convs {
		if p, ok := profiles[convs[i].PeerID]; ok {
			convs[i].Name = p.Name
			convs[i].Role = p.Role
		}
	}
	return convs, nil
}
