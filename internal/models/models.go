package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 用户在线状态，只由连接注册表的变化驱动。
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	Avatar       string `gorm:"size:512"`
	Status       string `gorm:"size:16;not null;default:offline"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workspace struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:128;not null"`
	Description string
	OwnerID     string `gorm:"size:36;not null"`
	InviteCode  string `gorm:"uniqueIndex;size:32;not null"`
	CreatedAt   time.Time
}

type WorkspaceMember struct {
	ID          string    `gorm:"primaryKey;size:36"`
	WorkspaceID string    `gorm:"uniqueIndex:idx_ws_member;size:36;not null"`
	UserID      string    `gorm:"uniqueIndex:idx_ws_member;size:36;not null"`
	Role        string    `gorm:"size:16;not null;default:member"`
	JoinedAt    time.Time `gorm:"autoCreateTime"`
}

type Channel struct {
	ID          string `gorm:"primaryKey;size:36"`
	WorkspaceID string `gorm:"index;size:36;not null"`
	Name        string `gorm:"size:128;not null"`
	Description string
	IsPrivate   bool
	CreatedAt   time.Time
}

type Message struct {
	ID        string    `gorm:"primaryKey;size:36"`
	ChannelID string    `gorm:"index:idx_msg_channel_created,priority:1;size:36;not null"`
	UserID    string    `gorm:"index;size:36;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_msg_channel_created,priority:2"`
}

type DirectMessage struct {
	ID         string    `gorm:"primaryKey;size:36"`
	SenderID   string    `gorm:"index;size:36;not null"`
	ReceiverID string    `gorm:"index;size:36;not null"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

type RefreshToken struct {
	ID        uint       `gorm:"primaryKey"`
	UserID    string     `gorm:"index;size:36;not null"`
	Token     string     `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time  `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (u *User) BeforeCreate(*gorm.DB) error {
	newID(&u.ID)
	return nil
}

func (w *Workspace) BeforeCreate(*gorm.DB) error {
	newID(&w.ID)
	return nil
}

func (m *WorkspaceMember) BeforeCreate(*gorm.DB) error {
	newID(&m.ID)
	return nil
}

func (c *Channel) BeforeCreate(*gorm.DB) error {
	newID(&c.ID)
	return nil
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	newID(&m.ID)
	return nil
}

func (m *DirectMessage) BeforeCreate(*gorm.DB) error {
	newID(&m.ID)
	return nil
}

// All 返回需要自动迁移的全部模型。
func All() []any {
	return []any{&User{}, &Workspace{}, &WorkspaceMember{}, &Channel{}, &Message{}, &DirectMessage{}, &RefreshToken{}}
}
