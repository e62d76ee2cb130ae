package ws

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// 服务端推送的事件名。
const (
	EvtUserStatus      = "user:status"
	EvtMessageNew      = "message:new"
	EvtMessageDeleted  = "message:deleted"
	EvtTypingStart     = "typing:start"
	EvtTypingStop      = "typing:stop"
	EvtDirectNew       = "dm:new"
	EvtChannelNew      = "channel:new"
	EvtError           = "error"
	EvtSessionReplaced = "session:replaced"
)

// Event 是一条出站事件，线上格式为 {"event": name, "payload": ...}。
type Event struct {
	Name    string
	Payload any
}

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(envelope{Event: e.Name, Payload: e.Payload})
}

type StatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type MessageView struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

type TypingPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
}

type DirectMessageView struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"sender_id"`
	ReceiverID       string    `json:"receiver_id"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"created_at"`
	SenderUsername   string    `json:"sender_username"`
	ReceiverUsername string    `json:"receiver_username"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    Kind   `json:"code"`
}

// command 是入站事件解码后的封闭集合，每个事件名对应一个类型。
type command interface{ event() string }

type (
	joinWorkspace  struct{ WorkspaceID string }
	leaveWorkspace struct{ WorkspaceID string }
	joinChannel    struct{ ChannelID string }
	leaveChannel   struct{ ChannelID string }
	sendMessage    struct{ ChannelID, Content string }
	deleteMessage  struct{ MessageID, ChannelID string }
	typingStart    struct{ ChannelID string }
	typingStop     struct{ ChannelID string }
	sendDirect     struct{ ReceiverID, Content string }
	channelCreated struct {
		WorkspaceID string
		Channel     json.RawMessage
	}
)

func (joinWorkspace) event() string  { return "workspace:join" }
func (leaveWorkspace) event() string { return "workspace:leave" }
func (joinChannel) event() string    { return "channel:join" }
func (leaveChannel) event() string   { return "channel:leave" }
func (sendMessage) event() string    { return "message:send" }
func (deleteMessage) event() string  { return "message:delete" }
func (typingStart) event() string    { return "typing:start" }
func (typingStop) event() string     { return "typing:stop" }
func (sendDirect) event() string     { return "dm:send" }
func (channelCreated) event() string { return "channel:created" }

var decoders = map[string]func(p gjson.Result) (command, error){
	"workspace:join": func(p gjson.Result) (command, error) {
		id, err := idField(p, "workspaceId")
		return joinWorkspace{WorkspaceID: id}, err
	},
	"workspace:leave": func(p gjson.Result) (command, error) {
		id, err := idField(p, "workspaceId")
		return leaveWorkspace{WorkspaceID: id}, err
	},
	"channel:join": func(p gjson.Result) (command, error) {
		id, err := idField(p, "channelId")
		return joinChannel{ChannelID: id}, err
	},
	"channel:leave": func(p gjson.Result) (command, error) {
		id, err := idField(p, "channelId")
		return leaveChannel{ChannelID: id}, err
	},
	"typing:start": func(p gjson.Result) (command, error) {
		id, err := idField(p, "channelId")
		return typingStart{ChannelID: id}, err
	},
	"typing:stop": func(p gjson.Result) (command, error) {
		id, err := idField(p, "channelId")
		return typingStop{ChannelID: id}, err
	},
	"message:send": func(p gjson.Result) (command, error) {
		var cmd sendMessage
		err := stringFields(p, map[string]*string{"channelId": &cmd.ChannelID, "content": &cmd.Content})
		return cmd, err
	},
	"message:delete": func(p gjson.Result) (command, error) {
		var cmd deleteMessage
		err := stringFields(p, map[string]*string{"messageId": &cmd.MessageID, "channelId": &cmd.ChannelID})
		return cmd, err
	},
	"dm:send": func(p gjson.Result) (command, error) {
		var cmd sendDirect
		err := stringFields(p, map[string]*string{"receiverId": &cmd.ReceiverID, "content": &cmd.Content})
		return cmd, err
	},
	"channel:created": func(p gjson.Result) (command, error) {
		var cmd channelCreated
		if err := stringFields(p, map[string]*string{"workspaceId": &cmd.WorkspaceID}); err != nil {
			return nil, err
		}
		if ch := p.Get("channel"); ch.Exists() && ch.IsObject() {
			cmd.Channel = json.RawMessage(ch.Raw)
		}
		return cmd, nil
	},
}

// idField accepts either a bare string payload or an object carrying key.
func idField(p gjson.Result, key string) (string, error) {
	if p.Type == gjson.String {
		return p.String(), nil
	}
	var id string
	err := stringFields(p, map[string]*string{key: &id})
	return id, err
}

// stringFields copies each present key into its target. Absent keys stay empty so the
// handler can report them as required; any other JSON type is rejected.
func stringFields(p gjson.Result, fields map[string]*string) error {
	for key, dst := range fields {
		v := p.Get(key)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type != gjson.String {
			return Validation(key + " must be a string")
		}
		*dst = v.String()
	}
	return nil
}

func decodeCommand(raw []byte) (command, error) {
	if !gjson.ValidBytes(raw) {
		return nil, Validation("malformed event")
	}
	name := gjson.GetBytes(raw, "event").String()
	if name == "" {
		return nil, Validation("missing event name")
	}
	dec, ok := decoders[name]
	if !ok {
		return nil, Validation("unknown event: " + name)
	}
	cmd, err := dec(gjson.GetBytes(raw, "payload"))
	if err != nil {
		return nil, err
	}
	return cmd, nil
}
