package cluster

import (
	"context"
	"fmt"
)

// Local is a single-node Cluster. Every operation is applied synchronously
// to its Hub.
type Local struct {
	hub  *Hub
	node string
}

// NewLocal returns a Local cluster for node.
func NewLocal(node string) *Local {
	return &Local{hub: NewHub(), node: node}
}

// Hub exposes the underlying registry.
func (l *Local) Hub() *Hub { return l.hub }

// MembersOf implements Cluster.
func (l *Local) MembersOf(ctx context.Context, room string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.MembersOf(room), nil
}

// RoomsOf implements Cluster.
func (l *Local) RoomsOf(_ context.Context, connID string) ([]string, error) {
	rooms, _ := l.hub.RoomsOf(connID)
	return rooms, nil
}

// Lookup implements Cluster.
func (l *Local) Lookup(_ context.Context, connID string) (Member, bool, error) {
	m, ok := l.hub.Get(connID)
	return m, ok, nil
}

// Emit implements Cluster.
func (l *Local) Emit(_ context.Context, target Target, event string, payload interface{}) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	l.hub.Deliver(target, frame)
	return nil
}

// Join implements Cluster.
func (l *Local) Join(_ context.Context, sel Selector, room string) error {
	l.hub.Join(sel, room)
	return nil
}

// Leave implements Cluster.
func (l *Local) Leave(_ context.Context, sel Selector, room string) error {
	l.hub.Leave(sel, room)
	return nil
}

// Attach implements Cluster.
func (l *Local) Attach(_ context.Context, m Member, sink Sink) error {
	m.Node = l.node
	l.hub.Attach(m, sink)
	return nil
}

// Detach implements Cluster.
func (l *Local) Detach(_ context.Context, connID string) error {
	l.hub.Detach(connID)
	return nil
}
