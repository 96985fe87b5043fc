package messages

import (
	"context"
	"time"

	"github.com/google/uuid"

	"schoolchat/pkg/chaterrors"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Service validates and persists chat messages.
type Service struct {
	store interfaces.MessageStore
}

func NewService(store interfaces.MessageStore) *Service {
	return &Service{store: store}
}

// Create validates content, assigns an ID and timestamp, and persists the
// message. The returned message carries the trimmed content as stored.
func (s *Service) Create(ctx context.Context, roomID string, sender *types.Identity, content, kind string) (*types.Message, error) {
	trimmed, err := types.ValidateContent(content)
	if err != nil {
		return nil, err
	}
	messageKind, err := types.NormalizeKind(types.MessageKind(kind))
	if err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		SenderRole: sender.Role,
		Kind:       messageKind,
		Content:    trimmed,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, chaterrors.Storage(err)
	}
	return msg, nil
}

// ListByRoom returns up to limit messages newest-first, optionally paging
// backwards from a point in time.
func (s *Service) ListByRoom(ctx context.Context, roomID string, limit int, before *time.Time) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.store.ListByRoom(ctx, roomID, limit, before)
	if err != nil {
		return nil, chaterrors.Storage(err)
	}
	return msgs, nil
}

// Search returns messages matching a content substring within an optional
// date range, newest-first.
func (s *Service) Search(ctx context.Context, roomID, substring string, from, to *time.Time) ([]*types.Message, error) {
	msgs, err := s.store.SearchMessages(ctx, roomID, substring, from, to)
	if err != nil {
		return nil, chaterrors.Storage(err)
	}
	return msgs, nil
}

// Format shapes a stored message for delivery to clients. The sender shape
// comes from the denormalized fields captured at write time.
func Format(msg *types.Message) *types.FormattedMessage {
	return &types.FormattedMessage{
		ID: msg.ID,
		Sender: types.MessageSender{
			ID:          msg.SenderID,
			DisplayName: msg.SenderName,
		},
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		RoomID:    msg.RoomID,
		Status:    "sent",
	}
}
