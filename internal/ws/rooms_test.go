package ws

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoomID(t *testing.T) {
	require.Equal(t, RoomID("workspace:1"), WorkspaceRoom("1"))
	require.Equal(t, RoomID("channel:1"), ChannelRoom("1"))
	require.NotEqual(t, WorkspaceRoom("1"), ChannelRoom("1"))
	require.True(t, ChannelRoom("1").IsChannel())
	require.False(t, WorkspaceRoom("1").IsChannel())
}

func TestRoomManager_BroadcastOnlySubscribers(t *testing.T) {
	m := NewRoomManager()
	a := newRecorder("a", "alice")
	b := newRecorder("b", "bob")
	c := newRecorder("c", "carol")
	m.Join(ChannelRoom("1"), a)
	m.Join(ChannelRoom("1"), b)
	m.Join(ChannelRoom("2"), c)

	n := m.Broadcast(ChannelRoom("1"), []byte(`{"event":"x"}`), nil)
	require.Equal(t, 2, n)
	require.Len(t, a.names(), 1)
	require.Len(t, b.names(), 1)
	require.Empty(t, c.names())

	m.Broadcast(ChannelRoom("1"), []byte(`{"event":"y"}`), a)
	require.Equal(t, []string{"x"}, a.names())
	require.Equal(t, []string{"x", "y"}, b.names())
}

func TestRoomManager_JoinLeaveIdempotent(t *testing.T) {
	m := NewRoomManager()
	a := newRecorder("a", "alice")
	room := ChannelRoom("1")

	m.Join(room, a)
	m.Join(room, a)
	require.Equal(t, 1, m.Online(room))
	require.True(t, m.IsSubscribed(room, a))

	require.True(t, m.Leave(room, a))
	require.False(t, m.Leave(room, a))
	require.Equal(t, 0, m.Online(room))
	require.Nil(t, m.Subscribers(room))
	require.Zero(t, m.Broadcast(room, []byte(`{}`), nil))
}

func TestRoomManager_LeaveAll(t *testing.T) {
	m := NewRoomManager()
	a := newRecorder("a", "alice")
	b := newRecorder("b", "bob")
	m.Join(WorkspaceRoom("w"), a)
	m.Join(ChannelRoom("1"), a)
	m.Join(ChannelRoom("1"), b)

	left := m.LeaveAll(a)
	require.ElementsMatch(t, []RoomID{WorkspaceRoom("w"), ChannelRoom("1")}, left)
	require.Empty(t, m.RoomsOf(a))
	require.Equal(t, 0, m.Online(WorkspaceRoom("w")))
	require.Equal(t, 1, m.Online(ChannelRoom("1")))
	require.Empty(t, m.LeaveAll(a))
}

func TestRoomManager_SlowSubscriberClosed(t *testing.T) {
	m := NewRoomManager()
	fast := newRecorder("a", "alice")
	slow := newRecorder("b", "bob")
	slow.full = true
	m.Join(ChannelRoom("1"), fast)
	m.Join(ChannelRoom("1"), slow)

	require.Equal(t, 1, m.Broadcast(ChannelRoom("1"), []byte(`{"event":"x"}`), nil))
	require.True(t, slow.isClosed())
	require.False(t, fast.isClosed())
}

func TestRoomManager_SameOrderForAllSubscribers(t *testing.T) {
	m := NewRoomManager()
	room := ChannelRoom("1")
	a := newRecorder("a", "alice")
	b := newRecorder("b", "bob")
	m.Join(room, a)
	m.Join(room, b)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Broadcast(room, []byte(fmt.Sprintf(`{"event":"e%d"}`, i)), nil)
		}(i)
	}
	wg.Wait()
	require.Len(t, a.names(), 50)
	require.Equal(t, a.names(), b.names())
}

func TestRoomManager_ConcurrentJoinLeave(t *testing.T) {
	m := NewRoomManager()
	room := ChannelRoom("1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newRecorder(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i))
			m.Join(room, c)
			m.Broadcast(room, []byte(`{"event":"x"}`), c)
			if i%2 == 0 {
				m.Leave(room, c)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 10, m.Online(room))
}

func TestRoomManager_Serialize(t *testing.T) {
	m := NewRoomManager()
	room := ChannelRoom("1")
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Serialize(room, func() error {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)

	boom := fmt.Errorf("boom")
	require.ErrorIs(t, m.Serialize(room, func() error { return boom }), boom)
}
