package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type typingFixture struct {
	rooms  *RoomManager
	typing *TypingCoordinator
	alice  *recorder
	bob    *recorder
}

func newTypingFixture(t *testing.T, timeout time.Duration) *typingFixture {
	t.Helper()
	rooms := NewRoomManager()
	registry := NewRegistry()
	f := &typingFixture{
		rooms:  rooms,
		typing: NewTypingCoordinator(NewFanout(rooms, registry), timeout),
		alice:  newRecorder("a", "alice"),
		bob:    newRecorder("b", "bob"),
	}
	t.Cleanup(f.typing.Close)
	rooms.Join(ChannelRoom("1"), f.alice)
	rooms.Join(ChannelRoom("1"), f.bob)
	return f
}

func TestTyping_StartStop(t *testing.T) {
	f := newTypingFixture(t, time.Minute)

	f.typing.Start("1", f.alice)
	f.typing.Start("1", f.alice)
	require.Empty(t, f.alice.events(EvtTypingStart))
	starts := f.bob.events(EvtTypingStart)
	require.Len(t, starts, 1)
	require.Equal(t, "alice", starts[0].Get("userId").String())
	require.Equal(t, "1", starts[0].Get("channelId").String())
	require.Equal(t, "alice-name", starts[0].Get("username").String())
	require.Equal(t, []string{"alice"}, f.typing.Active("1"))

	require.True(t, f.typing.Stop("1", f.alice))
	require.Empty(t, f.alice.events(EvtTypingStop))
	require.Len(t, f.bob.events(EvtTypingStop), 1)
	require.Empty(t, f.typing.Active("1"))

	// stop without an entry is silent
	require.False(t, f.typing.Stop("1", f.alice))
	require.Len(t, f.bob.events(EvtTypingStop), 1)
}

func TestTyping_Expiry(t *testing.T) {
	f := newTypingFixture(t, 20*time.Millisecond)

	f.typing.Start("1", f.alice)
	require.Eventually(t, func() bool { return len(f.bob.events(EvtTypingStop)) == 1 }, time.Second, 5*time.Millisecond)
	// expiry goes to the whole room, including the typist
	require.Len(t, f.alice.events(EvtTypingStop), 1)
	require.Empty(t, f.typing.Active("1"))
}

func TestTyping_RefreshExtendsExpiry(t *testing.T) {
	f := newTypingFixture(t, 200*time.Millisecond)

	f.typing.Start("1", f.alice)
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		f.typing.Start("1", f.alice)
	}
	require.Empty(t, f.bob.events(EvtTypingStop))
	require.Len(t, f.bob.events(EvtTypingStart), 1)
	require.Eventually(t, func() bool { return len(f.bob.events(EvtTypingStop)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTyping_ClearForConnection(t *testing.T) {
	f := newTypingFixture(t, time.Minute)
	f.rooms.Join(ChannelRoom("2"), f.bob)

	f.typing.Start("1", f.alice)
	f.typing.Start("2", f.alice)
	f.typing.Start("1", f.bob)

	require.Equal(t, 2, f.typing.ClearForConnection(f.alice))
	stops := f.bob.events(EvtTypingStop)
	require.Len(t, stops, 2)
	for _, s := range stops {
		require.Equal(t, "alice", s.Get("userId").String())
	}
	require.Equal(t, []string{"bob"}, f.typing.Active("1"))
	require.Zero(t, f.typing.ClearForConnection(f.alice))
}

func TestTyping_ClearForConnectionMatchesOwner(t *testing.T) {
	f := newTypingFixture(t, time.Minute)
	replaced := newRecorder("a-old", "alice")

	f.typing.Start("1", replaced)
	f.typing.Start("1", f.alice)

	// the superseded connection no longer owns the entry
	require.Zero(t, f.typing.ClearForConnection(replaced))
	require.Equal(t, []string{"alice"}, f.typing.Active("1"))
	require.Equal(t, 1, f.typing.ClearConnectionRoom("1", f.alice))
}

func TestTyping_StopUser(t *testing.T) {
	f := newTypingFixture(t, time.Minute)
	f.typing.Start("1", f.alice)

	require.True(t, f.typing.StopUser("1", "alice"))
	require.Len(t, f.alice.events(EvtTypingStop), 1)
	require.Len(t, f.bob.events(EvtTypingStop), 1)
}

func TestTyping_CloseStopsTimers(t *testing.T) {
	f := newTypingFixture(t, 10*time.Millisecond)
	f.typing.Start("1", f.alice)
	f.typing.Close()
	time.Sleep(40 * time.Millisecond)
	require.Empty(t, f.bob.events(EvtTypingStop))

	f.typing.Start("1", f.alice)
	require.Empty(t, f.typing.Active("1"))
}

// gatedBroadcaster blocks ToRoom for one room until released.
type gatedBroadcaster struct {
	blocked RoomID
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	rooms []RoomID
}

func (b *gatedBroadcaster) ToRoom(room RoomID, _ Event, _ Conn) {
	if room == b.blocked {
		b.entered <- struct{}{}
		<-b.release
	}
	b.mu.Lock()
	b.rooms = append(b.rooms, room)
	b.mu.Unlock()
}

func (b *gatedBroadcaster) ToAll(Event) {}

func (b *gatedBroadcaster) To(Conn, Event) {}

func TestTyping_RoomsDoNotBlockEachOther(t *testing.T) {
	out := &gatedBroadcaster{
		blocked: ChannelRoom("busy"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	typing := NewTypingCoordinator(out, time.Minute)
	t.Cleanup(typing.Close)

	go typing.Start("busy", newRecorder("a", "alice"))
	<-out.entered

	done := make(chan struct{})
	go func() {
		typing.Start("quiet", newRecorder("b", "bob"))
		typing.Stop("quiet", newRecorder("b", "bob"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("typing in another room waited on a busy room's fan-out")
	}
	require.Equal(t, []string{"alice"}, typing.Active("busy"))

	close(out.release)
	require.Eventually(t, func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return len(out.rooms) == 3
	}, 2*time.Second, 10*time.Millisecond)
}
