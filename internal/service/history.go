package service

import (
	"context"
	"errors"
	"time"

	"chathub/internal/models"
	"chathub/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryService 提供频道消息与私信的历史查询，实时推送不经过这里。
type HistoryService struct {
	store *store.Gorm
}

func NewHistoryService(s *store.Gorm) *HistoryService {
	return &HistoryService{store: s}
}

// MessageDTO 与实时推送的 message:new 载荷字段一致。
type MessageDTO struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type DirectMessageDTO struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"sender_id"`
	ReceiverID       string    `json:"receiver_id"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"created_at"`
	SenderUsername   string    `json:"sender_username"`
	ReceiverUsername string    `json:"receiver_username"`
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxHistoryLimit {
		return defaultHistoryLimit
	}
	return limit
}

// ChannelMessages 校验成员身份后分页返回频道消息，按时间升序。
func (s *HistoryService) ChannelMessages(ctx context.Context, userID, channelID string, limit int, beforeID string) ([]MessageDTO, error) {
	if _, err := s.store.ChannelAccess(ctx, channelID, userID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrChannelNotFound
		case errors.Is(err, store.ErrNotMember):
			return nil, ErrNotMember
		}
		return nil, err
	}
	msgs, err := s.store.ListChannelMessages(ctx, channelID, clampLimit(limit), beforeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	usernames, err := s.store.Usernames(ctx, uniqueUserIDs(msgs))
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID:        m.ID,
			ChannelID: m.ChannelID,
			UserID:    m.UserID,
			Username:  usernames[m.UserID],
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// DirectMessages 返回当前用户与 otherID 之间的私信。
func (s *HistoryService) DirectMessages(ctx context.Context, userID, otherID string, limit int) ([]DirectMessageDTO, error) {
	other, err := s.store.GetUser(ctx, otherID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	msgs, err := s.store.ListDirectMessages(ctx, userID, other.ID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	usernames, err := s.store.Usernames(ctx, []string{userID, other.ID})
	if err != nil {
		return nil, err
	}
	out := make([]DirectMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DirectMessageDTO{
			ID:               m.ID,
			SenderID:         m.SenderID,
			ReceiverID:       m.ReceiverID,
			Content:          m.Content,
			CreatedAt:        m.CreatedAt,
			SenderUsername:   usernames[m.SenderID],
			ReceiverUsername: usernames[m.ReceiverID],
		})
	}
	return out, nil
}

func uniqueUserIDs(msgs []models.Message) []string {
	seen := make(map[string]struct{}, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		ids = append(ids, m.UserID)
	}
	return ids
}
