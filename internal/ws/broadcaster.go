package ws

import (
	applog "chathub/internal/log"

	"github.com/rs/zerolog"
)

// Broadcaster 是领域逻辑向外推送事件的唯一出口。
type Broadcaster interface {
	ToRoom(room RoomID, evt Event, except Conn)
	ToAll(evt Event)
	To(c Conn, evt Event)
}

// Fanout 基于 RoomManager 与 Registry 实现 Broadcaster，事件只编码一次。
type Fanout struct {
	rooms    *RoomManager
	registry *Registry
	log      zerolog.Logger
}

func NewFanout(rooms *RoomManager, registry *Registry) *Fanout {
	return &Fanout{rooms: rooms, registry: registry, log: applog.Component("fanout")}
}

func (f *Fanout) encode(evt Event) ([]byte, bool) {
	b, err := evt.Encode()
	if err != nil {
		f.log.Error().Err(err).Str("event", evt.Name).Msg("encode event")
		return nil, false
	}
	return b, true
}

func (f *Fanout) ToRoom(room RoomID, evt Event, except Conn) {
	if b, ok := f.encode(evt); ok {
		f.rooms.Broadcast(room, b, except)
	}
}

func (f *Fanout) ToAll(evt Event) {
	b, ok := f.encode(evt)
	if !ok {
		return
	}
	f.registry.Each(func(c Conn) {
		if !c.Send(b) {
			c.Close()
		}
	})
}

func (f *Fanout) To(c Conn, evt Event) {
	b, ok := f.encode(evt)
	if !ok {
		return
	}
	if !c.Send(b) {
		c.Close()
	}
}
