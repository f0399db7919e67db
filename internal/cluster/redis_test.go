package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	*Redis
	client *goredis.Client
	done   chan struct{}
}

func startNode(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, id string) *node {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	r := NewRedis(client, RedisConfig{NodeID: id, Channel: "test_bus", HeartbeatInterval: 50 * time.Millisecond}, nil)
	n := &node{Redis: r, client: client, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		_ = r.Run(ctx)
	}()
	select {
	case <-r.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("node %s never subscribed", id)
	}
	t.Cleanup(func() { _ = client.Close() })
	return n
}

func TestRedisClusterAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, mr, "node-a")
	b := startNode(t, ctx, mr, "node-b")

	sa, sb := &recordSink{}, &recordSink{}
	require.NoError(t, a.Attach(ctx, Member{ConnID: "c1", UserID: "u1"}, sa))
	require.NoError(t, b.Attach(ctx, Member{ConnID: "c2", UserID: "u2"}, sb))

	// Node a moves a connection it does not own.
	require.NoError(t, a.Join(ctx, Conns("c1", "c2"), "group:42"))

	require.Eventually(t, func() bool {
		members, err := a.MembersOf(ctx, "group:42")
		return err == nil && len(members) == 2
	}, 2*time.Second, 10*time.Millisecond)

	members, err := b.MembersOf(ctx, "group:42")
	require.NoError(t, err)
	assert.Equal(t, "c1", members[0].ConnID)
	assert.Equal(t, "node-a", members[0].Node)
	assert.Equal(t, "u2", members[1].UserID)
	assert.Equal(t, "node-b", members[1].Node)

	rooms, err := a.RoomsOf(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"group:42"}, rooms)

	m, ok, err := a.Lookup(ctx, "c2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-b", m.Node)

	require.NoError(t, a.Emit(ctx, To(InRooms("group:42")).Excluding("c1"), "userTyping", map[string]string{"chatRoomId": "group:42"}))
	require.Eventually(t, func() bool { return len(sb.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, sa.events())

	require.NoError(t, a.Leave(ctx, Conns("c2"), "group:42"))
	require.Eventually(t, func() bool {
		members, err := a.MembersOf(ctx, "group:42")
		return err == nil && len(members) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Detach(ctx, "c2"))
	_, ok, err = a.Lookup(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisClusterPrunesDeadNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, mr, "node-a")
	require.NoError(t, a.Attach(ctx, Member{ConnID: "c1", UserID: "u1"}, &recordSink{}))
	require.NoError(t, a.Join(ctx, Conns("c1"), "group:1"))

	// A member left behind by a node that crashed without cleaning up.
	mr.HSet("chat:presence:room:group:1", "ghost", `{"connId":"ghost","userId":"u9","node":"node-dead"}`)
	require.NoError(t, mr.Set("chat:presence:member:ghost", `{"connId":"ghost","userId":"u9","node":"node-dead"}`))

	members, err := a.MembersOf(ctx, "group:1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c1", members[0].ConnID)
	assert.Empty(t, mr.HGet("chat:presence:room:group:1", "ghost"), "dead member is pruned")

	_, ok, err := a.Lookup(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisClusterShutdownCleansIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())

	a := startNode(t, ctx, mr, "node-a")
	require.NoError(t, a.Attach(ctx, Member{ConnID: "c1"}, &recordSink{}))
	require.NoError(t, a.Join(ctx, Conns("c1"), "lobby"))
	require.True(t, mr.Exists("chat:node:node-a"))

	cancel()
	select {
	case <-a.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, mr.Exists("chat:node:node-a"))
	assert.False(t, mr.Exists("chat:presence:room:lobby"))
	assert.False(t, mr.Exists("chat:presence:conn:c1"))
	assert.False(t, mr.Exists("chat:presence:member:c1"))
}

func TestRedisClusterIgnoresMalformedCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, mr, "node-a")
	s := &recordSink{}
	require.NoError(t, a.Attach(ctx, Member{ConnID: "c1"}, s))

	a.apply(ctx, []byte(`not json`))
	a.apply(ctx, []byte(`{"op":"explode","origin":"node-x"}`))
	a.apply(ctx, []byte(`{"op":"emit","origin":"node-x","target":{"all":true},"frame":{"event":"hello","data":null}}`))
	assert.Equal(t, []string{"hello"}, s.events())

	// Own commands are not applied twice.
	a.apply(ctx, []byte(`{"op":"emit","origin":"node-a","target":{"all":true},"frame":{"event":"hello","data":null}}`))
	assert.Len(t, s.events(), 1)
}

func TestRedisClusterRemoteMoveIsVisibleImmediately(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, mr, "node-a")
	b := startNode(t, ctx, mr, "node-b")
	require.NoError(t, b.Attach(ctx, Member{ConnID: "c2", UserID: "u2"}, &recordSink{}))
	require.NoError(t, b.Join(ctx, Conns("c2"), "group:7"))

	require.NoError(t, a.Leave(ctx, Conns("c2"), "group:7"))
	require.NoError(t, a.Join(ctx, Conns("c2"), "group:9"))

	// No waiting on the owning node: the index already reflects both moves.
	rooms, err := a.RoomsOf(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"group:9"}, rooms)
	members, err := a.MembersOf(ctx, "group:7")
	require.NoError(t, err)
	assert.Empty(t, members)

	// Room selectors resolve remote members through the index too.
	require.NoError(t, a.Join(ctx, InRooms("group:9"), "group:10"))
	members, err = a.MembersOf(ctx, "group:10")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c2", members[0].ConnID)

	require.Eventually(t, func() bool {
		rooms, ok := b.Hub().RoomsOf("c2")
		return ok && len(rooms) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Detach clears every room the index holds for the connection.
	require.NoError(t, b.Detach(ctx, "c2"))
	assert.False(t, mr.Exists("chat:presence:room:group:9"))
	assert.False(t, mr.Exists("chat:presence:room:group:10"))
	assert.False(t, mr.Exists("chat:presence:conn:c2"))
}

func TestRedisClusterPrunesCrashedNodeOnLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, mr, "node-a")
	ghost := `{"connId":"ghost","userId":"u9","node":"node-dead"}`
	require.NoError(t, mr.Set("chat:presence:member:ghost", ghost))
	_, err := mr.SAdd("chat:presence:conn:ghost", "group:1", "user:u9")
	require.NoError(t, err)
	mr.HSet("chat:presence:room:group:1", "ghost", ghost)
	mr.HSet("chat:presence:room:user:u9", "ghost", ghost)

	_, ok, err := a.Lookup(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, mr.Exists("chat:presence:member:ghost"))
	assert.False(t, mr.Exists("chat:presence:conn:ghost"))
	assert.False(t, mr.Exists("chat:presence:room:group:1"))
	assert.False(t, mr.Exists("chat:presence:room:user:u9"))
}
