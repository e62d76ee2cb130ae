package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chathub/internal/models"
	"chathub/internal/store"

	"github.com/tidwall/gjson"
)

// recorder is an in-memory Conn that keeps every frame it was sent.
type recorder struct {
	id   string
	user string
	name string

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newRecorder(id, user string) *recorder {
	return &recorder{id: id, user: user, name: user + "-name"}
}

func (r *recorder) ID() string       { return r.id }
func (r *recorder) UserID() string   { return r.user }
func (r *recorder) Username() string { return r.name }

func (r *recorder) Send(msg []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.full {
		return false
	}
	r.frames = append(r.frames, msg)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// events returns the payloads of every received event called name, in order.
func (r *recorder) events(name string) []gjson.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gjson.Result
	for _, f := range r.frames {
		if gjson.GetBytes(f, "event").String() == name {
			out = append(out, gjson.GetBytes(f, "payload"))
		}
	}
	return out
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, gjson.GetBytes(f, "event").String())
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

type statusCall struct{ user, status string }

// memStore implements Store and store.StatusWriter in memory.
type memStore struct {
	mu        sync.Mutex
	seq       int
	users     map[string]models.User
	members   map[string]map[string]bool
	channels  map[string]models.Channel
	messages  map[string]models.Message
	dms       []models.DirectMessage
	statuses  []statusCall
	createErr error
	statusErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]models.User),
		members:  make(map[string]map[string]bool),
		channels: make(map[string]models.Channel),
		messages: make(map[string]models.Message),
	}
}

func (s *memStore) addUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = models.User{ID: id, Username: id + "-name", Status: models.StatusOffline}
}

func (s *memStore) addChannel(workspaceID, channelID string, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[workspaceID] == nil {
		s.members[workspaceID] = make(map[string]bool)
	}
	for _, id := range memberIDs {
		s.members[workspaceID][id] = true
	}
	s.channels[channelID] = models.Channel{ID: channelID, WorkspaceID: workspaceID, Name: channelID}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *memStore) isMember(workspaceID, userID string) error {
	m, ok := s.members[workspaceID]
	if !ok {
		return store.ErrNotFound
	}
	if !m[userID] {
		return store.ErrNotMember
	}
	return nil
}

func (s *memStore) IsWorkspaceMember(_ context.Context, workspaceID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMember(workspaceID, userID)
}

func (s *memStore) ChannelAccess(_ context.Context, channelID, userID string) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return models.Channel{}, store.ErrNotFound
	}
	if err := s.isMember(ch.WorkspaceID, userID); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

func (s *memStore) CreateMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	m.ID = s.nextID("msg")
	s.messages[m.ID] = *m
	return nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, store.ErrNotFound
	}
	return m, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *memStore) CreateDirectMessage(_ context.Context, m *models.DirectMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	m.ID = s.nextID("dm")
	s.dms = append(s.dms, *m)
	return nil
}

func (s *memStore) SetStatus(_ context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusCall{user: userID, status: status})
	return s.statusErr
}

func (s *memStore) statusCalls() []statusCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusCall(nil), s.statuses...)
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// tokenVerifier treats "token-<userID>" as valid.
type tokenVerifier struct{}

var errBadToken = errors.New("bad token")

func (tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	const prefix = "token-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", errBadToken
	}
	return token[len(prefix):], nil
}

type engine struct {
	store *memStore
	gw    *Gateway
}

func newEngine(typingTimeout time.Duration) *engine {
	st := newMemStore()
	gw := NewGateway(tokenVerifier{}, st, st, Options{TypingTimeout: typingTimeout, EventsPerSecond: 1000, EventBurst: 1000})
	return &engine{store: st, gw: gw}
}

// connect attaches a fresh recorder for user, creating the user if needed.
func (e *engine) connect(connID, user string) *recorder {
	e.store.addUser(user)
	r := newRecorder(connID, user)
	if err := e.gw.Attach(context.Background(), r); err != nil {
		panic(err)
	}
	return r
}

func (e *engine) send(r *recorder, raw string) {
	e.gw.Dispatch(context.Background(), r, []byte(raw))
}
