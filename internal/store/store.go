// Package store 是实时引擎依赖的外部存储：基于 gorm 的按键 CRUD，每个调用都是单语句原子操作。
package store

import (
	"context"
	"errors"
	"fmt"

	"chathub/internal/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrNotMember = errors.New("store: not a workspace member")
)

type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm { return &Gorm{db: db} }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Gorm) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return models.User{}, notFound(err)
	}
	return u, nil
}

// Usernames 批量获取用户名，未知 ID 不出现在结果中。
func (s *Gorm) Usernames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u.Username
	}
	return out, nil
}

func (s *Gorm) SetStatus(ctx context.Context, userID, status string) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsWorkspaceMember returns ErrNotFound for an unknown workspace and ErrNotMember when the user
// has no membership row.
func (s *Gorm) IsWorkspaceMember(ctx context.Context, workspaceID, userID string) error {
	var ws models.Workspace
	if err := s.db.WithContext(ctx).Select("id").First(&ws, "id = ?", workspaceID).Error; err != nil {
		return notFound(err)
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.WorkspaceMember{}).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotMember
	}
	return nil
}

// ChannelAccess 校验频道存在且用户属于频道所在的工作区。
func (s *Gorm) ChannelAccess(ctx context.Context, channelID, userID string) (models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", channelID).Error; err != nil {
		return models.Channel{}, notFound(err)
	}
	if err := s.IsWorkspaceMember(ctx, ch.WorkspaceID, userID); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

func (s *Gorm) AddWorkspaceMember(ctx context.Context, workspaceID, userID, role string) error {
	m := models.WorkspaceMember{WorkspaceID: workspaceID, UserID: userID, Role: role}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *Gorm) CreateMessage(ctx context.Context, m *models.Message) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Gorm) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return models.Message{}, notFound(err)
	}
	return m, nil
}

func (s *Gorm) DeleteMessage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Message{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) CreateDirectMessage(ctx context.Context, m *models.DirectMessage) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// ListChannelMessages 返回频道内 beforeID 之前的最近 limit 条消息，按时间升序。
func (s *Gorm) ListChannelMessages(ctx context.Context, channelID string, limit int, beforeID string) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("channel_id = ?", channelID)
	if beforeID != "" {
		var pivot models.Message
		if err := s.db.WithContext(ctx).Select("created_at").First(&pivot, "id = ? AND channel_id = ?", beforeID, channelID).Error; err != nil {
			return nil, notFound(err)
		}
		q = q.Where("created_at < ?", pivot.CreatedAt)
	}
	var msgs []models.Message
	if err := q.Order("created_at desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// ListDirectMessages 返回两个用户之间最近 limit 条私信，按时间升序。
func (s *Gorm) ListDirectMessages(ctx context.Context, userA, userB string, limit int) ([]models.DirectMessage, error) {
	var msgs []models.DirectMessage
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA).
		Order("created_at desc").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// ResetStatuses 启动时把所有用户置为离线：进程重启后不存在任何存活连接。
func (s *Gorm) ResetStatuses(ctx context.Context) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("status <> ?", models.StatusOffline).Update("status", models.StatusOffline).Error
}
