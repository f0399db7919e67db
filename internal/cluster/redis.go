package cluster

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/pkg/json"
	"github.com/nmxmxh/chatrelay/pkg/redis"
)

const (
	opEmit  = "emit"
	opJoin  = "join"
	opLeave = "leave"
)

// command is the message nodes exchange on the cluster channel.
type command struct {
	Op     string          `json:"op"`
	Origin string          `json:"origin"`
	Target Target          `json:"target,omitempty"`
	Room   string          `json:"room,omitempty"`
	Frame  json.RawMessage `json:"frame,omitempty"`
}

// RedisConfig configures the Redis-backed cluster.
type RedisConfig struct {
	NodeID  string
	Channel string
	// HeartbeatInterval is how often this node refreshes its liveness key.
	HeartbeatInterval time.Duration
	// NodeTTL is how long a node counts as alive after its last heartbeat.
	NodeTTL time.Duration
}

// Redis is a Cluster spanning every node connected to the same Redis.
//
// Each node keeps its own connections in a Hub. Room membership is mirrored
// into Redis by the node that owns the connection:
//
//	chat:presence:room:<room>     hash  connID -> Member JSON
//	chat:presence:conn:<connID>   set   rooms of the connection
//	chat:presence:member:<connID> JSON  Member
//	chat:node:<nodeID>            liveness key with TTL
//
// Emit, join and leave are applied locally and published on the cluster
// channel so every other node applies them to its own connections.
type Redis struct {
	hub       *Hub
	client    goredis.UniversalClient
	node      string
	channel   string
	interval  time.Duration
	nodeTTL   time.Duration
	presence  *redis.KeyBuilder
	nodes     *redis.KeyBuilder
	log       *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedis returns a Redis cluster. Run must be started for remote commands
// and heartbeats to flow.
func NewRedis(client goredis.UniversalClient, cfg RedisConfig, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = redis.DefaultClusterChannel
	}
	if cfg.NodeTTL <= 0 {
		cfg.NodeTTL = redis.TTLNodeHeartbeat
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.NodeTTL / 3
	}
	return &Redis{
		hub:      NewHub(),
		client:   client,
		node:     cfg.NodeID,
		channel:  cfg.Channel,
		interval: cfg.HeartbeatInterval,
		nodeTTL:  cfg.NodeTTL,
		presence: redis.NewKeyBuilder(redis.NamespaceChat, redis.ContextPresence),
		nodes:    redis.NewKeyBuilder(redis.NamespaceChat, redis.ContextNode),
		log:      log.With(zap.String("module", "cluster"), zap.String("node_id", cfg.NodeID)),
		ready:    make(chan struct{}),
	}
}

// Hub exposes the node-local registry.
func (r *Redis) Hub() *Hub { return r.hub }

// Ready is closed once the command subscription is established.
func (r *Redis) Ready() <-chan struct{} { return r.ready }

func (r *Redis) roomKey(room string) string     { return r.presence.Build("room", room) }
func (r *Redis) connKey(connID string) string   { return r.presence.Build("conn", connID) }
func (r *Redis) memberKey(connID string) string { return r.presence.Build("member", connID) }
func (r *Redis) nodeKey(node string) string     { return r.nodes.Build(node) }

// MembersOf implements Cluster. Entries owned by nodes whose heartbeat has
// expired are skipped and pruned.
func (r *Redis) MembersOf(ctx context.Context, room string) ([]Member, error) {
	key := r.roomKey(room)
	entries, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", room, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	members := make([]Member, 0, len(entries))
	var corrupt []string
	for connID, raw := range entries {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil || m.ConnID == "" {
			corrupt = append(corrupt, connID)
			continue
		}
		members = append(members, m)
	}

	alive, err := r.liveNodes(ctx, members)
	if err != nil {
		return nil, err
	}

	out := members[:0]
	stale := corrupt
	var dead []string
	for _, m := range members {
		if alive[m.Node] {
			out = append(out, m)
		} else {
			stale = append(stale, m.ConnID)
			dead = append(dead, m.ConnID)
		}
	}
	r.prune(ctx, dead)
	if len(stale) > 0 {
		if err := r.client.HDel(ctx, key, stale...).Err(); err != nil {
			r.log.Warn("Failed to prune stale room members", zap.String("room", room), zap.Error(err))
		} else {
			r.log.Debug("Pruned stale room members", zap.String("room", room), zap.Int("count", len(stale)))
		}
	}
	sortMembers(out)
	return out, nil
}

// RoomsOf implements Cluster.
func (r *Redis) RoomsOf(ctx context.Context, connID string) ([]string, error) {
	if rooms, ok := r.hub.RoomsOf(connID); ok {
		return rooms, nil
	}
	rooms, err := r.client.SMembers(ctx, r.connKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read rooms of %s: %w", connID, err)
	}
	sortStrings(rooms)
	return rooms, nil
}

// Lookup implements Cluster.
func (r *Redis) Lookup(ctx context.Context, connID string) (Member, bool, error) {
	if m, ok := r.hub.Get(connID); ok {
		return m, true, nil
	}
	raw, err := r.client.Get(ctx, r.memberKey(connID)).Result()
	if stderrors.Is(err, goredis.Nil) {
		return Member{}, false, nil
	}
	if err != nil {
		return Member{}, false, fmt.Errorf("lookup %s: %w", connID, err)
	}
	var m Member
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Member{}, false, fmt.Errorf("decode member %s: %w", connID, err)
	}
	alive, err := r.liveNodes(ctx, []Member{m})
	if err != nil {
		return Member{}, false, err
	}
	if !alive[m.Node] {
		r.prune(ctx, []string{connID})
		return Member{}, false, nil
	}
	return m, true, nil
}

// Emit implements Cluster.
func (r *Redis) Emit(ctx context.Context, target Target, event string, payload interface{}) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	r.hub.Deliver(target, frame)
	if !target.All && r.hub.Local(target.Selector) {
		return nil
	}
	return r.publish(ctx, command{Op: opEmit, Target: target, Frame: frame})
}

// Join implements Cluster.
func (r *Redis) Join(ctx context.Context, sel Selector, room string) error {
	if sel.Empty() || room == "" {
		return nil
	}
	r.applyJoin(ctx, sel, room)
	if r.hub.Local(sel) {
		return nil
	}
	if err := r.indexRemote(ctx, sel, room, true); err != nil {
		return err
	}
	return r.publish(ctx, command{Op: opJoin, Target: To(sel), Room: room})
}

// Leave implements Cluster.
func (r *Redis) Leave(ctx context.Context, sel Selector, room string) error {
	if sel.Empty() || room == "" {
		return nil
	}
	r.applyLeave(ctx, sel, room)
	if r.hub.Local(sel) {
		return nil
	}
	if err := r.indexRemote(ctx, sel, room, false); err != nil {
		return err
	}
	return r.publish(ctx, command{Op: opLeave, Target: To(sel), Room: room})
}

// Attach implements Cluster.
func (r *Redis) Attach(ctx context.Context, m Member, sink Sink) error {
	m.Node = r.node
	r.hub.Attach(m, sink)
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.memberKey(m.ConnID), raw, 0).Err(); err != nil {
		return fmt.Errorf("register %s: %w", m.ConnID, err)
	}
	return nil
}

// Detach implements Cluster.
func (r *Redis) Detach(ctx context.Context, connID string) error {
	_, rooms, ok := r.hub.Detach(connID)
	if !ok {
		return nil
	}
	if err := r.forget(ctx, connID, rooms); err != nil {
		return fmt.Errorf("unregister %s: %w", connID, err)
	}
	return nil
}

// forget removes a connection from the index: every room it is indexed in
// (the given rooms plus its conn set, which may hold joins written by other
// nodes), its conn set and its member record.
func (r *Redis) forget(ctx context.Context, connID string, rooms []string) error {
	indexed, err := r.client.SMembers(ctx, r.connKey(connID)).Result()
	if err != nil {
		return err
	}
	_, err = r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, room := range append(rooms, indexed...) {
			p.HDel(ctx, r.roomKey(room), connID)
		}
		p.Del(ctx, r.connKey(connID), r.memberKey(connID))
		return nil
	})
	return err
}

// indexRemote writes a join or leave of connections owned by other nodes into
// the index before the command is published, so reads that follow on this
// node observe it. The owning node rewrites the same entries when it applies
// the command.
func (r *Redis) indexRemote(ctx context.Context, sel Selector, room string, join bool) error {
	members, err := r.remoteMembers(ctx, sel)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	_, err = r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, m := range members {
			if !join {
				p.HDel(ctx, r.roomKey(room), m.ConnID)
				p.SRem(ctx, r.connKey(m.ConnID), room)
				continue
			}
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			p.HSet(ctx, r.roomKey(room), m.ConnID, raw)
			p.SAdd(ctx, r.connKey(m.ConnID), room)
		}
		return nil
	})
	if err != nil {
		if join {
			return fmt.Errorf("index remote join of %s: %w", room, err)
		}
		return fmt.Errorf("index remote leave of %s: %w", room, err)
	}
	return nil
}

// remoteMembers resolves sel against the index, keeping live connections
// owned by other nodes.
func (r *Redis) remoteMembers(ctx context.Context, sel Selector) ([]Member, error) {
	seen := make(map[string]bool)
	var out []Member
	for _, id := range sel.ConnIDs {
		if _, local := r.hub.Get(id); local || seen[id] {
			continue
		}
		seen[id] = true
		m, found, err := r.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, m)
		}
	}
	for _, room := range sel.Rooms {
		members, err := r.MembersOf(ctx, room)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m.Node == r.node || seen[m.ConnID] {
				continue
			}
			seen[m.ConnID] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// Run heartbeats this node and applies commands from other nodes until ctx
// is cancelled. A broken subscription is re-established with exponential
// backoff. On return the node's connections are removed from the index.
func (r *Redis) Run(ctx context.Context) error {
	if err := r.heartbeat(ctx); err != nil {
		r.log.Warn("Initial heartbeat failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.heartbeat(ctx); err != nil && ctx.Err() == nil {
					r.log.Warn("Heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		return r.subscribe(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		r.log.Warn("Cluster subscription lost, retrying", zap.Error(err), zap.Duration("retry_in", next))
	})
	wg.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.shutdown(cleanupCtx)

	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Redis) subscribe(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("Subscribed to cluster channel", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("cluster channel %s closed", r.channel)
			}
			r.apply(ctx, []byte(msg.Payload))
		}
	}
}

// apply executes a command published by another node.
func (r *Redis) apply(ctx context.Context, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		r.log.Warn("Dropping malformed cluster command", zap.Error(err))
		return
	}
	if cmd.Origin == r.node {
		return
	}
	switch cmd.Op {
	case opEmit:
		r.hub.Deliver(cmd.Target, cmd.Frame)
	case opJoin:
		r.applyJoin(ctx, cmd.Target.Selector, cmd.Room)
	case opLeave:
		r.applyLeave(ctx, cmd.Target.Selector, cmd.Room)
	default:
		r.log.Warn("Unknown cluster command", zap.String("op", cmd.Op))
	}
}

func (r *Redis) applyJoin(ctx context.Context, sel Selector, room string) {
	joined := r.hub.Join(sel, room)
	if len(joined) == 0 {
		return
	}
	_, err := r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, m := range joined {
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			p.HSet(ctx, r.roomKey(room), m.ConnID, raw)
			p.SAdd(ctx, r.connKey(m.ConnID), room)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to index room join", zap.String("room", room), zap.Error(err))
	}
}

func (r *Redis) applyLeave(ctx context.Context, sel Selector, room string) {
	left := r.hub.Leave(sel, room)
	if len(left) == 0 {
		return
	}
	_, err := r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, m := range left {
			p.HDel(ctx, r.roomKey(room), m.ConnID)
			p.SRem(ctx, r.connKey(m.ConnID), room)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to index room leave", zap.String("room", room), zap.Error(err))
	}
}

func (r *Redis) publish(ctx context.Context, cmd command) error {
	cmd.Origin = r.node
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode cluster command: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish cluster command: %w", err)
	}
	return nil
}

func (r *Redis) heartbeat(ctx context.Context) error {
	return r.client.Set(ctx, r.nodeKey(r.node), time.Now().UTC().Format(time.RFC3339), r.nodeTTL).Err()
}

// liveNodes reports which of the members' nodes still heartbeat.
func (r *Redis) liveNodes(ctx context.Context, members []Member) (map[string]bool, error) {
	alive := map[string]bool{r.node: true}
	var pending []string
	for _, m := range members {
		if _, seen := alive[m.Node]; !seen {
			alive[m.Node] = false
			pending = append(pending, m.Node)
		}
	}
	if len(pending) == 0 {
		return alive, nil
	}
	cmds := make([]*goredis.IntCmd, len(pending))
	_, err := r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, node := range pending {
			cmds[i] = p.Exists(ctx, r.nodeKey(node))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check node liveness: %w", err)
	}
	for i, node := range pending {
		alive[node] = cmds[i].Val() > 0
	}
	return alive, nil
}

// prune drops connections of crashed nodes from every index entry that
// still names them.
func (r *Redis) prune(ctx context.Context, connIDs []string) {
	for _, id := range connIDs {
		if err := r.forget(ctx, id, nil); err != nil {
			r.log.Warn("Failed to prune dead connection", zap.String("conn_id", id), zap.Error(err))
		}
	}
}

// shutdown removes this node's connections from the index and drops its
// liveness key.
func (r *Redis) shutdown(ctx context.Context) {
	for _, m := range r.hub.Members() {
		if err := r.Detach(ctx, m.ConnID); err != nil {
			r.log.Warn("Failed to unregister connection on shutdown", zap.String("conn_id", m.ConnID), zap.Error(err))
		}
	}
	if err := r.client.Del(ctx, r.nodeKey(r.node)).Err(); err != nil {
		r.log.Warn("Failed to drop node key", zap.Error(err))
	}
}
