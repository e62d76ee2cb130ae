package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/db"
	"chathub/internal/models"
	"chathub/internal/store"

	"gorm.io/gorm"
)

// UserService 封装注册、登录与 token 轮换。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// UserDTO 是对外输出的用户数据。
type UserDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar,omitempty"`
	Status   string `json:"status"`
}

func toUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username, Email: u.Email, Avatar: u.Avatar, Status: u.Status}
}

// AuthResult 登录或注册成功后返回的 token 对与用户信息。
type AuthResult struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	User         UserDTO `json:"user"`
}

// Register 创建用户并把它加入默认工作区（若已播种），随后直接签发 token 对。
func (s *UserService) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	email = strings.ToLower(email)
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, Email: email, PasswordHash: hash, Status: models.StatusOffline}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUsernameTaken
		}
		if err := tx.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}

		var ws models.Workspace
		err := tx.Where("invite_code = ?", db.DefaultInviteCode).First(&ws).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return store.NewGorm(tx).AddWorkspaceMember(ctx, ws.ID, user.ID, "member")
	})
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user)
}

// Login 校验邮箱和密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

func (s *UserService) issue(ctx context.Context, user models.User) (*AuthResult, error) {
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), user.ID, rt, s.refreshExpiry()); err != nil {
		return nil, err
	}
	return &AuthResult{AccessToken: at, RefreshToken: rt, User: toUserDTO(user)}, nil
}

func (s *UserService) refreshExpiry() time.Time {
	return time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, s.refreshExpiry()); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *UserService) Me(ctx context.Context, userID string) (UserDTO, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserDTO{}, ErrUserNotFound
		}
		return UserDTO{}, err
	}
	return toUserDTO(user), nil
}

// Logout 吊销用户的全部 refresh token。在线状态只跟随连接变化，这里不改动。
func (s *UserService) Logout(ctx context.Context, userID string) error {
	return auth.RevokeUserTokens(s.db.WithContext(ctx), userID)
}
