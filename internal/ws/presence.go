package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	applog "chathub/internal/log"
	"chathub/internal/metrics"
	"chathub/internal/models"
	"chathub/internal/store"

	"github.com/rs/zerolog"
)

const statusWriteTimeout = 5 * time.Second

// PresenceTracker 根据 Registry 推导用户在线状态，并且只在状态真正变化时持久化和广播。
// 同一用户的转换被按用户串行化，不同用户之间互不阻塞。
type PresenceTracker struct {
	registry *Registry
	status   store.StatusWriter
	out      Broadcaster
	locks    *keyedMutex
	log      zerolog.Logger

	mu   sync.Mutex
	last map[string]string
}

func NewPresenceTracker(registry *Registry, status store.StatusWriter, out Broadcaster) *PresenceTracker {
	return &PresenceTracker{
		registry: registry,
		status:   status,
		out:      out,
		locks:    newKeyedMutex(),
		log:      applog.Component("presence"),
		last:     make(map[string]string),
	}
}

// OnConnect is called after a connection of userID has been registered.
func (p *PresenceTracker) OnConnect(ctx context.Context, userID string) {
	unlock := p.locks.Lock(userID)
	defer unlock()
	if !p.registry.IsOnline(userID) {
		return
	}
	p.transition(ctx, userID, models.StatusOnline)
}

// OnDisconnect is called after a connection of userID has been unregistered.
func (p *PresenceTracker) OnDisconnect(ctx context.Context, userID string) {
	unlock := p.locks.Lock(userID)
	defer unlock()
	if p.registry.IsOnline(userID) {
		return
	}
	p.transition(ctx, userID, models.StatusOffline)
}

func (p *PresenceTracker) transition(ctx context.Context, userID, status string) {
	p.mu.Lock()
	prev, ok := p.last[userID]
	if !ok {
		prev = models.StatusOffline
	}
	if prev == status {
		p.mu.Unlock()
		return
	}
	if status == models.StatusOffline {
		delete(p.last, userID)
	} else {
		p.last[userID] = status
	}
	metrics.OnlineUsers.Set(float64(len(p.last)))
	p.mu.Unlock()

	if p.status != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		if err := p.status.SetStatus(wctx, userID, status); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Str("status", status).Msg("persist status")
		}
		cancel()
	}
	p.out.ToAll(Event{Name: EvtUserStatus, Payload: StatusPayload{UserID: userID, Status: status}})
	p.log.Debug().Str("user_id", userID).Str("status", status).Msg("presence changed")
}

// Snapshot 返回当前在线用户 ID，按字典序排列。
func (p *PresenceTracker) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.last))
	for id := range p.last {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *PresenceTracker) Status(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.last[userID]; ok {
		return s
	}
	return models.StatusOffline
}
