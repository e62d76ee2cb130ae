package ws

import (
	"context"
	"strings"
	"time"

	"chathub/internal/metrics"
	"chathub/internal/models"
)

type DirectMessageStore interface {
	CreateDirectMessage(ctx context.Context, m *models.DirectMessage) error
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

// DirectMessageRouter 投递一对一私信：发送者总能收到回显，接收者在线时实时收到。
type DirectMessageRouter struct {
	store    DirectMessageStore
	users    UserStore
	registry *Registry
	out      Broadcaster
}

func NewDirectMessageRouter(s DirectMessageStore, users UserStore, registry *Registry, out Broadcaster) *DirectMessageRouter {
	return &DirectMessageRouter{store: s, users: users, registry: registry, out: out}
}

func (r *DirectMessageRouter) Send(ctx context.Context, c Conn, receiverID, content string) (DirectMessageView, error) {
	return r.send(ctx, Identity{UserID: c.UserID(), Username: c.Username()}, c, receiverID, content)
}

// SendAs is Send for callers without a live connection; the sender's live session, if any,
// still gets the echo.
func (r *DirectMessageRouter) SendAs(ctx context.Context, id Identity, receiverID, content string) (DirectMessageView, error) {
	sender, _ := r.registry.Lookup(id.UserID)
	return r.send(ctx, id, sender, receiverID, content)
}

func (r *DirectMessageRouter) send(ctx context.Context, id Identity, sender Conn, receiverID, content string) (DirectMessageView, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return DirectMessageView{}, Validation("receiverId is required")
	}
	if err := validateContent(content); err != nil {
		return DirectMessageView{}, err
	}
	receiver, err := r.users.GetUser(ctx, receiverID)
	if err != nil {
		return DirectMessageView{}, storeErr(err, "receiver", "failed to load receiver")
	}

	dm := models.DirectMessage{SenderID: id.UserID, ReceiverID: receiver.ID, Content: content, CreatedAt: time.Now().UTC()}
	if err := r.store.CreateDirectMessage(ctx, &dm); err != nil {
		return DirectMessageView{}, Internal("failed to send direct message", err)
	}
	view := DirectMessageView{
		ID: dm.ID, SenderID: dm.SenderID, ReceiverID: dm.ReceiverID, Content: dm.Content, CreatedAt: dm.CreatedAt,
		SenderUsername: id.Username, ReceiverUsername: receiver.Username,
	}
	metrics.DirectMessagesTotal.Inc()

	evt := Event{Name: EvtDirectNew, Payload: view}
	if sender != nil {
		r.out.To(sender, evt)
	}
	if receiver.ID == id.UserID {
		return view, nil
	}
	if rc, ok := r.registry.Lookup(receiver.ID); ok {
		r.out.To(rc, evt)
	}
	return view, nil
}
