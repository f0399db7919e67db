package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/chatrelay/pkg/json"
)

// recordSink collects delivered frames.
type recordSink struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
}

func (s *recordSink) Send(raw []byte) bool {
	if s.full {
		return false
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return true
}

func (s *recordSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Event)
	}
	return out
}

func TestHubJoinLeave(t *testing.T) {
	h := NewHub()
	h.Attach(Member{ConnID: "c1", UserID: "u1"}, &recordSink{})
	h.Attach(Member{ConnID: "c2"}, &recordSink{})

	joined := h.Join(Conns("c1", "c2", "ghost"), "group:1")
	assert.Len(t, joined, 2)
	assert.Empty(t, h.Join(Conns("c1"), "group:1"), "second join is a no-op")

	rooms, ok := h.RoomsOf("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"group:1"}, rooms)
	assert.Len(t, h.MembersOf("group:1"), 2)

	left := h.Leave(InRooms("group:1"), "group:1")
	assert.Len(t, left, 2)
	assert.Empty(t, h.MembersOf("group:1"))
	assert.Empty(t, h.Leave(Conns("c1"), "group:1"))
}

func TestHubDeliver(t *testing.T) {
	h := NewHub()
	s1, s2, s3 := &recordSink{}, &recordSink{}, &recordSink{}
	h.Attach(Member{ConnID: "c1"}, s1)
	h.Attach(Member{ConnID: "c2"}, s2)
	h.Attach(Member{ConnID: "c3"}, s3)
	h.Join(Conns("c1", "c2"), "group:1")
	h.Join(Conns("c2"), "user:u2")

	frame, err := EncodeFrame("newMsg", map[string]interface{}{"x": 1})
	require.NoError(t, err)

	assert.Equal(t, 2, h.Deliver(To(InRooms("group:1")), frame))
	assert.Equal(t, 1, h.Deliver(To(InRooms("group:1")).Excluding("c1"), frame))
	assert.Equal(t, 1, h.Deliver(To(InRooms("group:1", "user:u2")).Excluding("c1"), frame), "union is deduplicated")
	assert.Equal(t, 3, h.Deliver(Everyone(), frame))
	assert.Equal(t, 2, h.Deliver(Everyone().Excluding("c3"), frame))

	assert.Len(t, s1.events(), 3)
	assert.Len(t, s2.events(), 5)
	assert.Len(t, s3.events(), 1)
}

func TestHubDeliverCountsDrops(t *testing.T) {
	h := NewHub()
	h.Attach(Member{ConnID: "c1"}, &recordSink{full: true})
	h.Join(Conns("c1"), "lobby")
	frame, _ := EncodeFrame("x", nil)
	assert.Equal(t, 0, h.Deliver(To(InRooms("lobby")), frame))
}

func TestHubDetach(t *testing.T) {
	h := NewHub()
	h.Attach(Member{ConnID: "c1"}, &recordSink{})
	h.Join(Conns("c1"), "group:1")
	h.Join(Conns("c1"), "user:u1")

	_, rooms, ok := h.Detach("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"group:1", "user:u1"}, rooms)
	assert.Empty(t, h.MembersOf("group:1"))
	assert.Zero(t, h.Len())

	_, _, ok = h.Detach("c1")
	assert.False(t, ok)
}

func TestHubLocal(t *testing.T) {
	h := NewHub()
	h.Attach(Member{ConnID: "c1"}, nil)
	assert.True(t, h.Local(Conns("c1")))
	assert.False(t, h.Local(Conns("c1", "remote")))
	assert.False(t, h.Local(InRooms("group:1")))
}

func TestLocalCluster(t *testing.T) {
	ctx := context.Background()
	l := NewLocal("node-1")
	s := &recordSink{}
	require.NoError(t, l.Attach(ctx, Member{ConnID: "c1", UserID: "u1"}, s))
	require.NoError(t, l.Join(ctx, Conns("c1"), "group:7"))

	members, err := l.MembersOf(ctx, "group:7")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "node-1", members[0].Node)

	m, ok, err := l.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", m.UserID)

	require.NoError(t, l.Emit(ctx, To(InRooms("group:7")), "newMsg", map[string]string{"a": "b"}))
	assert.Equal(t, []string{"newMsg"}, s.events())

	require.NoError(t, l.Leave(ctx, Conns("c1"), "group:7"))
	rooms, err := l.RoomsOf(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	require.NoError(t, l.Detach(ctx, "c1"))
	_, ok, _ = l.Lookup(ctx, "c1")
	assert.False(t, ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.MembersOf(cancelled, "group:7")
	assert.Error(t, err)
}
