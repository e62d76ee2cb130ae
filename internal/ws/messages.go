package ws

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chathub/internal/metrics"
	"chathub/internal/models"
	"chathub/internal/store"
)

const MaxMessageLength = 4000

type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

type ChannelAuthorizer interface {
	ChannelAccess(ctx context.Context, channelID, userID string) (models.Channel, error)
}

// MessageRouter 负责频道消息：校验、持久化、再广播，同一频道内的持久化与广播顺序一致。
type MessageRouter struct {
	store  MessageStore
	access ChannelAuthorizer
	rooms  *RoomManager
	out    Broadcaster
	typing *TypingCoordinator
}

func NewMessageRouter(s MessageStore, access ChannelAuthorizer, rooms *RoomManager, out Broadcaster, typing *TypingCoordinator) *MessageRouter {
	return &MessageRouter{store: s, access: access, rooms: rooms, out: out, typing: typing}
}

// validateContent checks the trimmed text; the caller keeps content exactly as sent.
func validateContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Validation("content is required")
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return Validation("content is too long")
	}
	return nil
}

// Send 持久化一条频道消息并广播 message:new，随后清除发送者在该频道的输入状态。
func (r *MessageRouter) Send(ctx context.Context, c Conn, channelID, content string) (MessageView, error) {
	return r.SendAs(ctx, Identity{UserID: c.UserID(), Username: c.Username()}, channelID, content)
}

// SendAs is Send for callers without a live connection, such as the REST API.
func (r *MessageRouter) SendAs(ctx context.Context, id Identity, channelID, content string) (MessageView, error) {
	if channelID == "" {
		return MessageView{}, Validation("channelId is required")
	}
	if err := validateContent(content); err != nil {
		return MessageView{}, err
	}
	if _, err := r.access.ChannelAccess(ctx, channelID, id.UserID); err != nil {
		return MessageView{}, storeErr(err, "channel", "failed to load channel")
	}

	var view MessageView
	room := ChannelRoom(channelID)
	err := r.rooms.Serialize(room, func() error {
		m := models.Message{ChannelID: channelID, UserID: id.UserID, Content: content, CreatedAt: time.Now().UTC()}
		if err := r.store.CreateMessage(ctx, &m); err != nil {
			return Internal("failed to send message", err)
		}
		view = MessageView{
			ID: m.ID, ChannelID: m.ChannelID, UserID: m.UserID,
			Username: id.Username, Content: m.Content, CreatedAt: m.CreatedAt,
		}
		r.out.ToRoom(room, Event{Name: EvtMessageNew, Payload: view}, nil)
		return nil
	})
	if err != nil {
		return MessageView{}, err
	}
	metrics.WsMessagesTotal.Inc()
	r.typing.StopUser(channelID, id.UserID)
	return view, nil
}

// Delete 只允许作者删除自己的消息，并在消息所属频道广播 message:deleted。
func (r *MessageRouter) Delete(ctx context.Context, c Conn, messageID string) error {
	return r.DeleteAs(ctx, c.UserID(), messageID)
}

func (r *MessageRouter) DeleteAs(ctx context.Context, userID, messageID string) error {
	if messageID == "" {
		return Validation("messageId is required")
	}
	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return storeErr(err, "message", "failed to load message")
	}
	if m.UserID != userID {
		return Forbidden("only the author can delete this message")
	}
	room := ChannelRoom(m.ChannelID)
	return r.rooms.Serialize(room, func() error {
		if err := r.store.DeleteMessage(ctx, m.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return NotFound("message not found")
			}
			return Internal("failed to delete message", err)
		}
		r.out.ToRoom(room, Event{Name: EvtMessageDeleted, Payload: MessageDeletedPayload{
			MessageID: m.ID, ChannelID: m.ChannelID,
		}}, nil)
		return nil
	})
}
