package ws

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	a := newRecorder("c1", "alice")

	prev, first := r.Register(a)
	require.Nil(t, prev)
	require.True(t, first)
	require.True(t, r.IsOnline("alice"))
	require.Equal(t, 1, r.Count())

	// re-registering the same handle is not a supersede
	prev, first = r.Register(a)
	require.Nil(t, prev)
	require.True(t, first)

	require.True(t, r.Unregister(a))
	require.False(t, r.Unregister(a))
	require.False(t, r.IsOnline("alice"))
}

func TestRegistry_Supersede(t *testing.T) {
	r := NewRegistry()
	old := newRecorder("c1", "alice")
	cur := newRecorder("c2", "alice")
	r.Register(old)

	prev, first := r.Register(cur)
	require.False(t, first)
	require.Equal(t, old, prev)

	// the stale handle must not evict the live one
	require.False(t, r.Unregister(old))
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "c2", got.ID())
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(newRecorder("c1", "alice"))
	r.Register(newRecorder("c2", "bob"))

	var users []string
	for _, c := range r.Conns() {
		users = append(users, c.UserID())
	}
	require.ElementsMatch(t, []string{"alice", "bob"}, users)
	require.Equal(t, 2, r.Count())
	var seen []string
	r.Each(func(c Conn) { seen = append(seen, c.ID()) })
	require.ElementsMatch(t, []string{"c1", "c2"}, seen)
}
