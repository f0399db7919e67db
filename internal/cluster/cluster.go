// Package cluster is the cross-node room membership and fan-out capability.
//
// Connections live on the node that accepted them. A Cluster lets any node
// query room membership, emit to rooms or connections, and move connections
// between rooms without knowing where those connections live.
package cluster

import (
	"context"

	"github.com/nmxmxh/chatrelay/pkg/json"
)

// Member is one connection as seen by the cluster.
type Member struct {
	ConnID string `json:"connId"`
	// UserID is empty for anonymous connections.
	UserID string `json:"userId,omitempty"`
	Node   string `json:"node"`
}

// Selector picks connections: every member of any listed room plus every
// listed connection. An empty selector picks nothing.
type Selector struct {
	Rooms   []string `json:"rooms,omitempty"`
	ConnIDs []string `json:"connIds,omitempty"`
}

// Empty reports whether s picks no connection.
func (s Selector) Empty() bool { return len(s.Rooms) == 0 && len(s.ConnIDs) == 0 }

// InRooms selects the members of rooms.
func InRooms(rooms ...string) Selector { return Selector{Rooms: rooms} }

// Conns selects connections by id.
func Conns(ids ...string) Selector { return Selector{ConnIDs: ids} }

// Target is the recipient set of an emission.
type Target struct {
	Selector
	// All addresses every connection in the cluster; Selector is ignored.
	All bool `json:"all,omitempty"`
	// Except lists connection ids never delivered to.
	Except []string `json:"except,omitempty"`
}

// To targets the selected connections.
func To(sel Selector) Target { return Target{Selector: sel} }

// Everyone targets every connection in the cluster.
func Everyone() Target { return Target{All: true} }

// Excluding returns a copy of t that skips the given connections.
func (t Target) Excluding(connIDs ...string) Target {
	t.Except = append(append([]string(nil), t.Except...), connIDs...)
	return t
}

// Sink receives encoded frames for one local connection. Send must not block;
// it returns false when the frame was dropped.
type Sink interface {
	Send(frame []byte) bool
}

// Cluster is the membership and emission capability shared by presence,
// routing and the connection lifecycle.
type Cluster interface {
	// MembersOf lists the live connections in room across all nodes.
	MembersOf(ctx context.Context, room string) ([]Member, error)
	// RoomsOf lists the rooms a connection is in.
	RoomsOf(ctx context.Context, connID string) ([]string, error)
	// Lookup finds a live connection anywhere in the cluster.
	Lookup(ctx context.Context, connID string) (Member, bool, error)
	// Emit delivers event to the target connections on every node.
	Emit(ctx context.Context, target Target, event string, payload interface{}) error
	// Join adds the selected connections to room.
	Join(ctx context.Context, sel Selector, room string) error
	// Leave removes the selected connections from room.
	Leave(ctx context.Context, sel Selector, room string) error
	// Attach registers a connection accepted by this node.
	Attach(ctx context.Context, m Member, sink Sink) error
	// Detach drops a local connection and all of its memberships.
	Detach(ctx context.Context, connID string) error
}

// Frame is the wire shape of every message sent to a client.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// EncodeFrame serializes one client frame.
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: payload})
}
