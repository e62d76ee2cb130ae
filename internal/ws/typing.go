package ws

import (
	"sort"
	"sync"
	"time"

	"chathub/internal/metrics"
)

const DefaultTypingTimeout = 5 * time.Second

type typingKey struct {
	room RoomID
	user string
}

// typingEntry is replaced on every refresh, so a timer firing for an older entry finds a
// different pointer in the map and does nothing.
type typingEntry struct {
	connID    string
	channelID string
	timer     *time.Timer
}

// TypingCoordinator 维护临时的“正在输入”状态：每个 (房间, 用户) 一条，超时自动清除。
// 状态变更和对应的广播在房间锁内完成，不同房间互不阻塞；mu 只保护 entries。
type TypingCoordinator struct {
	out     Broadcaster
	timeout time.Duration
	rooms   *keyedMutex

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	closed  bool
}

func NewTypingCoordinator(out Broadcaster, timeout time.Duration) *TypingCoordinator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingCoordinator{
		out:     out,
		timeout: timeout,
		rooms:   newKeyedMutex(),
		entries: make(map[typingKey]*typingEntry),
	}
}

// Start 标记 c 的用户正在 channelID 输入。首次开始时通知房间内其他成员，重复调用只刷新超时。
func (t *TypingCoordinator) Start(channelID string, c Conn) {
	key := typingKey{room: ChannelRoom(channelID), user: c.UserID()}
	unlock := t.rooms.Lock(key.room.String())
	defer unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	old, refreshed := t.entries[key]
	if refreshed {
		old.timer.Stop()
	}
	e := &typingEntry{connID: c.ID(), channelID: channelID}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(key, e) })
	t.entries[key] = e
	t.mu.Unlock()

	if refreshed {
		return
	}
	metrics.TypingActive.Inc()
	t.out.ToRoom(key.room, Event{Name: EvtTypingStart, Payload: TypingPayload{
		ChannelID: channelID, UserID: c.UserID(), Username: c.Username(),
	}}, c)
}

// Stop 清除 c 的用户在 channelID 的输入状态，通知房间内其他成员；没有条目时什么也不做。
func (t *TypingCoordinator) Stop(channelID string, c Conn) bool {
	return t.stop(channelID, c.UserID(), c)
}

// StopUser clears userID's entry in channelID and tells the whole room.
func (t *TypingCoordinator) StopUser(channelID, userID string) bool {
	return t.stop(channelID, userID, nil)
}

func (t *TypingCoordinator) stop(channelID, userID string, except Conn) bool {
	key := typingKey{room: ChannelRoom(channelID), user: userID}
	unlock := t.rooms.Lock(key.room.String())
	defer unlock()
	return t.remove(key, nil, except)
}

// ClearForConnection 清除连接 c 拥有的全部输入状态，通知整个房间。
func (t *TypingCoordinator) ClearForConnection(c Conn) int {
	return t.clear(func(_ typingKey, e *typingEntry) bool { return e.connID == c.ID() })
}

// ClearConnectionRoom clears what c owns in a single channel, used when it leaves that channel.
func (t *TypingCoordinator) ClearConnectionRoom(channelID string, c Conn) int {
	room := ChannelRoom(channelID)
	return t.clear(func(k typingKey, e *typingEntry) bool { return k.room == room && e.connID == c.ID() })
}

// clear removes matching entries one room at a time, never holding two room locks.
func (t *TypingCoordinator) clear(match func(typingKey, *typingEntry) bool) int {
	t.mu.Lock()
	found := make(map[typingKey]*typingEntry)
	for k, e := range t.entries {
		if match(k, e) {
			found[k] = e
		}
	}
	t.mu.Unlock()

	n := 0
	for k, e := range found {
		unlock := t.rooms.Lock(k.room.String())
		if t.remove(k, e, nil) {
			n++
		}
		unlock()
	}
	return n
}

func (t *TypingCoordinator) expire(key typingKey, e *typingEntry) {
	unlock := t.rooms.Lock(key.room.String())
	defer unlock()
	t.remove(key, e, nil)
}

// remove deletes key and broadcasts typing:stop. The caller holds the room lock.
// A non-nil want only matches that exact entry, so stale timers and snapshots are no-ops.
func (t *TypingCoordinator) remove(key typingKey, want *typingEntry, except Conn) bool {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || (want != nil && e != want) {
		t.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	t.mu.Unlock()

	metrics.TypingActive.Dec()
	t.out.ToRoom(key.room, Event{Name: EvtTypingStop, Payload: TypingPayload{
		ChannelID: e.channelID, UserID: key.user,
	}}, except)
	return true
}

// Active 返回当前在 channelID 输入的用户。
func (t *TypingCoordinator) Active(channelID string) []string {
	room := ChannelRoom(channelID)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k := range t.entries {
		if k.room == room {
			out = append(out, k.user)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops every pending timer without broadcasting.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
		metrics.TypingActive.Dec()
	}
}
