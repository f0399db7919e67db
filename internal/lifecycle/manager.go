// Package lifecycle manages connection identity and room membership changes:
// private channels on connect, single group room per connection, legacy room
// joins and administrative adds.
package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/internal/cluster"
	"github.com/nmxmxh/chatrelay/internal/room"
	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/metrics"
)

// Switch describes what a room switch did to one connection.
type Switch struct {
	ConnID string
	// Left lists the group rooms the connection was removed from.
	Left []string
	// Joined is true when the connection was not already in the target room.
	Joined bool
}

// Changed reports whether the switch had any effect.
func (s Switch) Changed() bool { return s.Joined || len(s.Left) > 0 }

// Manager applies membership transitions through the cluster.
type Manager struct {
	cluster cluster.Cluster
	log     *zap.Logger
}

// NewManager returns a Manager.
func NewManager(c cluster.Cluster, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cluster: c, log: log.With(zap.String("module", "lifecycle"))}
}

// Connect registers a new connection and, when it carries an identity, joins
// it to that identity's private channel.
func (m *Manager) Connect(ctx context.Context, member cluster.Member, sink cluster.Sink) error {
	if err := m.cluster.Attach(ctx, member, sink); err != nil {
		return fmt.Errorf("attach %s: %w", member.ConnID, err)
	}
	if member.UserID == "" {
		return nil
	}
	if err := m.cluster.Join(ctx, cluster.Conns(member.ConnID), room.User(member.UserID)); err != nil {
		return fmt.Errorf("join private channel: %w", err)
	}
	m.log.Debug("Connection joined private channel", zap.String("conn_id", member.ConnID), zap.String("user_id", member.UserID))
	return nil
}

// Disconnect drops a connection and all of its memberships.
func (m *Manager) Disconnect(ctx context.Context, connID string) error {
	return m.cluster.Detach(ctx, connID)
}

// SwitchRoom moves a connection into newRoom, leaving every other group room
// first. Calling it again with the same room is a no-op.
func (m *Manager) SwitchRoom(ctx context.Context, connID, newRoom string) (Switch, error) {
	sw := Switch{ConnID: connID}
	if newRoom == "" {
		return sw, fmt.Errorf("switch %s: empty room", connID)
	}
	current, err := m.cluster.RoomsOf(ctx, connID)
	if err != nil {
		return sw, fmt.Errorf("switch %s: %w", connID, err)
	}

	member := false
	for _, r := range current {
		if r == newRoom {
			member = true
			continue
		}
		if !room.IsGroup(r) {
			continue
		}
		if err := m.cluster.Leave(ctx, cluster.Conns(connID), r); err != nil {
			return sw, fmt.Errorf("leave %s: %w", r, err)
		}
		sw.Left = append(sw.Left, r)
		m.log.Info("Connection left group room", zap.String("conn_id", connID), zap.String("room", r))
	}

	if !member {
		if err := m.cluster.Join(ctx, cluster.Conns(connID), newRoom); err != nil {
			return sw, fmt.Errorf("join %s: %w", newRoom, err)
		}
		sw.Joined = true
		m.log.Info("Connection joined room", zap.String("conn_id", connID), zap.String("room", newRoom))
		metrics.RoomSwitches.WithLabelValues("joined").Inc()
	} else {
		metrics.RoomSwitches.WithLabelValues("noop").Inc()
	}
	return sw, nil
}

// SwitchIdentity applies SwitchRoom to every connection of userID anywhere in
// the cluster.
func (m *Manager) SwitchIdentity(ctx context.Context, userID, newRoom string) ([]Switch, error) {
	members, err := m.cluster.MembersOf(ctx, room.User(userID))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", userID, err)
	}
	switches := make([]Switch, 0, len(members))
	for _, member := range members {
		sw, err := m.SwitchRoom(ctx, member.ConnID, newRoom)
		if err != nil {
			return switches, err
		}
		switches = append(switches, sw)
	}
	return switches, nil
}

// JoinLegacy joins a connection to a comma separated list of free-form rooms
// and returns the rooms joined. Names in the group and user namespaces are
// refused so a client cannot subscribe itself to private channels.
func (m *Manager) JoinLegacy(ctx context.Context, connID, rooms string) ([]string, error) {
	var joined []string
	for _, name := range strings.Split(rooms, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !room.IsLegacy(name) {
			m.log.Warn("Refused legacy join to reserved room", zap.String("conn_id", connID), zap.String("room", name))
			continue
		}
		if err := m.cluster.Join(ctx, cluster.Conns(connID), name); err != nil {
			return joined, errors.LogWithError(ctx, m.log, "Legacy join failed", err, zap.String("room", name))
		}
		joined = append(joined, name)
	}
	if len(joined) > 0 {
		m.log.Debug("Connection joined legacy rooms", zap.String("conn_id", connID), zap.Strings("rooms", joined))
	}
	return joined, nil
}

// AddUsersToRoom joins every connection of each user to target. Group rooms
// use switch semantics; any other room is joined alongside existing ones.
func (m *Manager) AddUsersToRoom(ctx context.Context, users []string, target string) error {
	if target == "" {
		return fmt.Errorf("add users: empty room")
	}
	if !room.IsGroup(target) {
		channels := make([]string, 0, len(users))
		for _, u := range users {
			if u != "" {
				channels = append(channels, room.User(u))
			}
		}
		if len(channels) == 0 {
			return nil
		}
		return m.cluster.Join(ctx, cluster.InRooms(channels...), target)
	}
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, err := m.SwitchIdentity(ctx, u, target); err != nil {
			return err
		}
	}
	return nil
}
