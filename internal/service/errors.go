package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrEmailTaken         = errors.New("email taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrNotMember          = errors.New("not a member of this workspace")
	ErrMessageNotFound    = errors.New("message not found")
)
