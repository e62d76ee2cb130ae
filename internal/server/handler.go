package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"chathub/internal/auth"
	"chathub/internal/service"
	"chathub/internal/store"
	"chathub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层与实时网关。
// mirror 为 nil 时在线状态直接取自网关。
type Handler struct {
	users   *service.UserService
	history *service.HistoryService
	gw      *ws.Gateway
	mirror  store.PresenceReader
}

func NewHandler(users *service.UserService, history *service.HistoryService, gw *ws.Gateway, mirror store.PresenceReader) *Handler {
	return &Handler{users: users, history: history, gw: gw, mirror: mirror}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "all fields are required"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if !strings.Contains(req.Email, "@") || len(req.Email) > 255 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	if len(req.Password) < 6 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password must be at least 6 characters"})
		return
	}
	result, err := h.users.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
		case errors.Is(err, service.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
		default:
			log.Error().Err(err).Str("username", req.Username).Msg("register")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		}
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	result, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.users.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.users.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg("me")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	user.Status = h.userStatus(c.Request.Context(), user.ID)
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.users.Logout(c.Request.Context(), auth.GetUserID(c)); err != nil {
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg("logout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// ListChannelMessages 分页返回频道历史消息。
func (h *Handler) ListChannelMessages(c *gin.Context) {
	channelID := c.Param("id")
	msgs, err := h.history.ChannelMessages(c.Request.Context(), auth.GetUserID(c), channelID, queryLimit(c), c.Query("before_id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChannelNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		case errors.Is(err, service.ErrMessageNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_id"})
		case errors.Is(err, service.ErrNotMember):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this workspace"})
		default:
			log.Error().Err(err).Str("channel_id", channelID).Msg("list messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListDirectMessages 返回与指定用户之间的私信。
func (h *Handler) ListDirectMessages(c *gin.Context) {
	otherID := c.Param("userId")
	msgs, err := h.history.DirectMessages(c.Request.Context(), auth.GetUserID(c), otherID, queryLimit(c))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		log.Error().Err(err).Str("other_id", otherID).Msg("list direct messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Presence 返回当前在线用户。
func (h *Handler) Presence(c *gin.Context) {
	online := h.onlineUsers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"online": online, "count": len(online)})
}

func (h *Handler) onlineUsers(ctx context.Context) []string {
	if h.mirror != nil {
		ids, err := h.mirror.Online(ctx)
		if err == nil {
			sort.Strings(ids)
			return ids
		}
		log.Warn().Err(err).Msg("presence mirror unavailable")
	}
	return h.gw.Presence().Snapshot()
}

func (h *Handler) userStatus(ctx context.Context, userID string) string {
	if h.mirror != nil {
		status, err := h.mirror.Status(ctx, userID)
		if err == nil {
			return status
		}
		log.Warn().Err(err).Str("user_id", userID).Msg("presence mirror unavailable")
	}
	return h.gw.Presence().Status(userID)
}

// identity 取当前请求用户的身份；失败时已写出响应。
func (h *Handler) identity(c *gin.Context) (ws.Identity, bool) {
	id, err := h.gw.Identify(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		engineError(c, err, "identify")
		return ws.Identity{}, false
	}
	return id, true
}

// engineError 把实时引擎的错误分类映射为 HTTP 状态码。
func engineError(c *gin.Context, err error, op string) {
	status := http.StatusInternalServerError
	switch ws.KindOf(err) {
	case ws.KindValidation:
		status = http.StatusBadRequest
	case ws.KindAuthentication:
		status = http.StatusUnauthorized
	case ws.KindForbidden:
		status = http.StatusForbidden
	case ws.KindNotFound:
		status = http.StatusNotFound
	case ws.KindRateLimited:
		status = http.StatusTooManyRequests
	default:
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg(op)
	}
	c.JSON(status, gin.H{"error": ws.PublicMessage(err)})
}

// SendMessage 通过 REST 发送频道消息，和 WebSocket 一样先持久化再广播。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		ChannelID string `json:"channelId"`
		Content   string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	id, ok := h.identity(c)
	if !ok {
		return
	}
	msg, err := h.gw.Messages().SendAs(c.Request.Context(), id, req.ChannelID, req.Content)
	if err != nil {
		engineError(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	if err := h.gw.Messages().DeleteAs(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		engineError(c, err, "delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "message deleted"})
}

// SendDirectMessage 通过 REST 发送私信，接收者在线时实时推送。
func (h *Handler) SendDirectMessage(c *gin.Context) {
	var req struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	id, ok := h.identity(c)
	if !ok {
		return
	}
	dm, err := h.gw.Direct().SendAs(c.Request.Context(), id, req.ReceiverID, req.Content)
	if err != nil {
		engineError(c, err, "send direct message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": dm})
}
