package server

import (
	"net/http"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/metrics"
	"chathub/internal/mw"
	"chathub/internal/service"
	"chathub/internal/store"
	"chathub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// mirror 可为 nil。
func SetupRouter(cfg config.Config, db *gorm.DB, gw *ws.Gateway, limiter *mw.Limiter, mirror store.PresenceReader) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))

	h := NewHandler(service.NewUserService(db, cfg), service.NewHistoryService(store.NewGorm(db)), gw, mirror)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(gw))

	api := r.Group("/api/v1")
	// 控制单个 IP+路由的速率，WebSocket 事件另有按连接的限速。
	api.Use(mw.RateLimit(limiter))

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.GET("/auth/me", h.Me)
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/channels/:id/messages", h.ListChannelMessages)
	authed.POST("/messages", h.SendMessage)
	authed.DELETE("/messages/:id", h.DeleteMessage)
	authed.GET("/direct/:userId", h.ListDirectMessages)
	authed.POST("/direct", h.SendDirectMessage)
	authed.GET("/presence", h.Presence)
	return r
}
