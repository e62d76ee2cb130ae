package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	applog "chathub/internal/log"
	"chathub/internal/metrics"
	"chathub/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Store 聚合实时引擎需要的全部存储能力，*store.Gorm 满足该接口。
type Store interface {
	UserStore
	MessageStore
	DirectMessageStore
	ChannelAuthorizer
	IsWorkspaceMember(ctx context.Context, workspaceID, userID string) error
}

type Options struct {
	TypingTimeout   time.Duration
	EventsPerSecond float64
	EventBurst      int
}

// Identity 是认证通过后的用户身份。
type Identity struct {
	UserID   string
	Username string
}

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type session struct {
	conn    Conn
	state   State
	limiter *rate.Limiter
	log     zerolog.Logger
}

// Gateway 是每条连接的入口：认证、注册、事件分发和断开清理都经过这里。
type Gateway struct {
	verifier TokenVerifier
	store    Store
	opts     Options

	registry *Registry
	rooms    *RoomManager
	out      Broadcaster
	presence *PresenceTracker
	typing   *TypingCoordinator
	messages *MessageRouter
	direct   *DirectMessageRouter
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewGateway wires the engine. status receives presence transitions and may be nil.
func NewGateway(verifier TokenVerifier, st Store, status store.StatusWriter, opts Options) *Gateway {
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 40
	}
	registry := NewRegistry()
	rooms := NewRoomManager()
	out := NewFanout(rooms, registry)
	typing := NewTypingCoordinator(out, opts.TypingTimeout)
	return &Gateway{
		verifier: verifier,
		store:    st,
		opts:     opts,
		registry: registry,
		rooms:    rooms,
		out:      out,
		presence: NewPresenceTracker(registry, status, out),
		typing:   typing,
		messages: NewMessageRouter(st, st, rooms, out, typing),
		direct:   NewDirectMessageRouter(st, st, registry, out),
		log:      applog.Component("gateway"),
		sessions: make(map[string]*session),
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }
func (g *Gateway) Rooms() *RoomManager { return g.rooms }
func (g *Gateway) Presence() *PresenceTracker { return g.presence }
func (g *Gateway) Typing() *TypingCoordinator { return g.typing }
func (g *Gateway) Messages() *MessageRouter { return g.messages }
func (g *Gateway) Direct() *DirectMessageRouter { return g.direct }
func (g *Gateway) Broadcaster() Broadcaster { return g.out }

// Authenticate 校验令牌并加载用户，任何失败都返回 authentication 错误。
func (g *Gateway) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, Authentication("missing token", nil)
	}
	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, Authentication("invalid token", err)
	}
	return g.Identify(ctx, userID)
}

// Identify loads the identity of a user whose token was already checked, e.g. by the REST middleware.
func (g *Gateway) Identify(ctx context.Context, userID string) (Identity, error) {
	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, Authentication("user not found", err)
		}
		return Identity{}, Authentication("failed to load user", err)
	}
	return Identity{UserID: u.ID, Username: u.Username}, nil
}

// Attach registers an authenticated connection. Any previous session of the same user is told
// it was replaced and closed; its own Detach will not mark the user offline.
func (g *Gateway) Attach(ctx context.Context, c Conn) error {
	s := &session{
		conn:    c,
		state:   StateConnecting,
		limiter: rate.NewLimiter(rate.Limit(g.opts.EventsPerSecond), g.opts.EventBurst),
		log:     g.log.With().Str("conn_id", c.ID()).Str("user_id", c.UserID()).Logger(),
	}
	g.mu.Lock()
	if _, exists := g.sessions[c.ID()]; exists {
		g.mu.Unlock()
		return Validation("connection already attached")
	}
	g.sessions[c.ID()] = s
	g.mu.Unlock()

	prev, first := g.registry.Register(c)
	if prev != nil {
		s.log.Info().Str("replaced_conn_id", prev.ID()).Msg("session replaced")
		g.out.To(prev, Event{Name: EvtSessionReplaced, Payload: map[string]string{
			"message": "signed in from another connection",
		}})
		prev.Close()
	}

	g.mu.Lock()
	s.state = StateAuthenticated
	g.mu.Unlock()
	metrics.WsConnections.Inc()

	g.presence.OnConnect(ctx, c.UserID())
	s.log.Info().Bool("first", first).Int("sessions", g.registry.Count()).Msg("ws connected")
	return nil
}

// Detach 按固定顺序清理连接：离开房间、清除输入状态、注销、推导离线。重复调用无副作用。
func (g *Gateway) Detach(ctx context.Context, c Conn) {
	g.mu.Lock()
	s, ok := g.sessions[c.ID()]
	if !ok || s.state >= StateClosing {
		g.mu.Unlock()
		return
	}
	wasAuthenticated := s.state == StateAuthenticated
	s.state = StateClosing
	g.mu.Unlock()

	left := g.rooms.LeaveAll(c)
	cleared := g.typing.ClearForConnection(c)
	if g.registry.Unregister(c) {
		g.presence.OnDisconnect(ctx, c.UserID())
	}

	g.mu.Lock()
	s.state = StateClosed
	delete(g.sessions, c.ID())
	g.mu.Unlock()
	if wasAuthenticated {
		metrics.WsConnections.Dec()
	}
	s.log.Info().Int("rooms", len(left)).Int("typing_cleared", cleared).Msg("ws disconnected")
}

// State reports the lifecycle state of c; unknown connections are Closed.
func (g *Gateway) State(c Conn) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[c.ID()]; ok {
		return s.state
	}
	return StateClosed
}

// Dispatch 处理一条入站事件。错误只回给发起连接，不会影响其他连接。
func (g *Gateway) Dispatch(ctx context.Context, c Conn, raw []byte) {
	g.mu.Lock()
	s, ok := g.sessions[c.ID()]
	if !ok || s.state != StateAuthenticated {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	if !s.limiter.Allow() {
		metrics.WsEventsTotal.WithLabelValues("any", string(KindRateLimited)).Inc()
		g.reply(s, &Error{Kind: KindRateLimited, Message: "too many events"})
		return
	}

	cmd, err := decodeCommand(raw)
	if err != nil {
		metrics.WsEventsTotal.WithLabelValues("unknown", string(KindOf(err))).Inc()
		g.reply(s, err)
		return
	}
	if err := g.handle(ctx, c, cmd); err != nil {
		metrics.WsEventsTotal.WithLabelValues(cmd.event(), string(KindOf(err))).Inc()
		g.reply(s, err)
		return
	}
	metrics.WsEventsTotal.WithLabelValues(cmd.event(), "ok").Inc()
}

func (g *Gateway) reply(s *session, err error) {
	kind := KindOf(err)
	if kind == KindInternal {
		s.log.Error().Err(err).Msg("event failed")
	} else {
		s.log.Debug().Err(err).Msg("event rejected")
	}
	g.out.To(s.conn, Event{Name: EvtError, Payload: ErrorPayload{Message: PublicMessage(err), Code: kind}})
}

func (g *Gateway) handle(ctx context.Context, c Conn, cmd command) error {
	switch cmd := cmd.(type) {
	case joinWorkspace:
		if cmd.WorkspaceID == "" {
			return Validation("workspaceId is required")
		}
		if err := g.store.IsWorkspaceMember(ctx, cmd.WorkspaceID, c.UserID()); err != nil {
			return storeErr(err, "workspace", "failed to load workspace")
		}
		g.rooms.Join(WorkspaceRoom(cmd.WorkspaceID), c)
	case leaveWorkspace:
		if cmd.WorkspaceID == "" {
			return Validation("workspaceId is required")
		}
		g.rooms.Leave(WorkspaceRoom(cmd.WorkspaceID), c)
	case joinChannel:
		if cmd.ChannelID == "" {
			return Validation("channelId is required")
		}
		if _, err := g.store.ChannelAccess(ctx, cmd.ChannelID, c.UserID()); err != nil {
			return storeErr(err, "channel", "failed to load channel")
		}
		g.rooms.Join(ChannelRoom(cmd.ChannelID), c)
	case leaveChannel:
		if cmd.ChannelID == "" {
			return Validation("channelId is required")
		}
		g.typing.ClearConnectionRoom(cmd.ChannelID, c)
		g.rooms.Leave(ChannelRoom(cmd.ChannelID), c)
	case sendMessage:
		_, err := g.messages.Send(ctx, c, cmd.ChannelID, cmd.Content)
		return err
	case deleteMessage:
		return g.messages.Delete(ctx, c, cmd.MessageID)
	case typingStart:
		if cmd.ChannelID == "" {
			return Validation("channelId is required")
		}
		if !g.rooms.IsSubscribed(ChannelRoom(cmd.ChannelID), c) {
			return Forbidden("join the channel before typing")
		}
		g.typing.Start(cmd.ChannelID, c)
	case typingStop:
		if cmd.ChannelID == "" {
			return Validation("channelId is required")
		}
		g.typing.Stop(cmd.ChannelID, c)
	case sendDirect:
		_, err := g.direct.Send(ctx, c, cmd.ReceiverID, cmd.Content)
		return err
	case channelCreated:
		if cmd.WorkspaceID == "" || len(cmd.Channel) == 0 {
			return Validation("workspaceId and channel are required")
		}
		if err := g.store.IsWorkspaceMember(ctx, cmd.WorkspaceID, c.UserID()); err != nil {
			return storeErr(err, "workspace", "failed to load workspace")
		}
		g.out.ToRoom(WorkspaceRoom(cmd.WorkspaceID), Event{Name: EvtChannelNew, Payload: cmd.Channel}, nil)
	default:
		return Internal("unhandled event", errors.New(cmd.event()))
	}
	return nil
}

// Close 关闭所有活动连接并停止输入超时计时器，用于优雅退出。
func (g *Gateway) Close() {
	g.mu.Lock()
	conns := make([]Conn, 0, len(g.sessions))
	for _, s := range g.sessions {
		conns = append(conns, s.conn)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	g.typing.Close()
}
