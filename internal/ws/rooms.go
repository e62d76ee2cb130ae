package ws

import (
	"strings"
	"sync"
)

// RoomID 是带类型前缀的房间标识，工作区与频道即使 ID 相同也不会冲突。
type RoomID string

func WorkspaceRoom(id string) RoomID { return RoomID("workspace:" + id) }

func ChannelRoom(id string) RoomID { return RoomID("channel:" + id) }

func (r RoomID) String() string { return string(r) }

// IsChannel reports whether r addresses a channel room.
func (r RoomID) IsChannel() bool { return strings.HasPrefix(string(r), "channel:") }

type room struct {
	mu   sync.Mutex
	subs map[string]Conn
}

// RoomManager 管理房间订阅关系：房间在首次加入时懒创建，最后一个订阅者离开后回收。
// 广播在房间锁内完成投递，因此同一房间的事件对所有订阅者呈现相同顺序。
type RoomManager struct {
	mu     sync.RWMutex
	rooms  map[RoomID]*room
	byConn map[string]map[RoomID]struct{}
	ops    *keyedMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:  make(map[RoomID]*room),
		byConn: make(map[string]map[RoomID]struct{}),
		ops:    newKeyedMutex(),
	}
}

// Join 幂等：重复加入不会产生重复订阅。
func (m *RoomManager) Join(id RoomID, c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[id]
	if r == nil {
		r = &room{subs: make(map[string]Conn)}
		m.rooms[id] = r
	}
	r.mu.Lock()
	r.subs[c.ID()] = c
	r.mu.Unlock()

	joined := m.byConn[c.ID()]
	if joined == nil {
		joined = make(map[RoomID]struct{})
		m.byConn[c.ID()] = joined
	}
	joined[id] = struct{}{}
}

// Leave reports whether c was subscribed.
func (m *RoomManager) Leave(id RoomID, c Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	joined := m.byConn[c.ID()]
	if _, ok := joined[id]; !ok {
		return false
	}
	delete(joined, id)
	if len(joined) == 0 {
		delete(m.byConn, c.ID())
	}
	m.removeLocked(id, c.ID())
	return true
}

// LeaveAll 移除连接的全部订阅，返回它离开的房间。
func (m *RoomManager) LeaveAll(c Conn) []RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	joined := m.byConn[c.ID()]
	delete(m.byConn, c.ID())
	out := make([]RoomID, 0, len(joined))
	for id := range joined {
		m.removeLocked(id, c.ID())
		out = append(out, id)
	}
	return out
}

func (m *RoomManager) removeLocked(id RoomID, connID string) {
	r := m.rooms[id]
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.subs, connID)
	empty := len(r.subs) == 0
	r.mu.Unlock()
	if empty {
		delete(m.rooms, id)
	}
}

func (m *RoomManager) get(id RoomID) *room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

func (m *RoomManager) Subscribers(id RoomID) []Conn {
	r := m.get(id)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.subs))
	for _, c := range r.subs {
		out = append(out, c)
	}
	return out
}

func (m *RoomManager) IsSubscribed(id RoomID, c Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byConn[c.ID()][id]
	return ok
}

func (m *RoomManager) RoomsOf(c Conn) []RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomID, 0, len(m.byConn[c.ID()]))
	for id := range m.byConn[c.ID()] {
		out = append(out, id)
	}
	return out
}

// Online 返回房间当前订阅者数量，供 REST 接口复用。
func (m *RoomManager) Online(id RoomID) int {
	r := m.get(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast 把 msg 投递给房间内除 except 之外的所有订阅者。
// 发送缓冲已满的慢连接会被关闭，由它自己的读循环完成清理。
func (m *RoomManager) Broadcast(id RoomID, msg []byte, except Conn) int {
	r := m.get(id)
	if r == nil {
		return 0
	}
	var slow []Conn
	delivered := 0
	r.mu.Lock()
	for connID, c := range r.subs {
		if except != nil && connID == except.ID() {
			continue
		}
		if c.Send(msg) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	r.mu.Unlock()
	for _, c := range slow {
		c.Close()
	}
	return delivered
}

// Serialize runs fn while holding the room's operation lock, giving every
// persist-then-broadcast on the same room a single total order.
func (m *RoomManager) Serialize(id RoomID, fn func() error) error {
	unlock := m.ops.Lock(string(id))
	defer unlock()
	return fn()
}
