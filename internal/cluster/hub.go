package cluster

import (
	"sort"
	"sync"
)

type hubConn struct {
	member Member
	sink   Sink
	rooms  map[string]struct{}
}

// Hub is the node-local connection registry. It owns the room sets of the
// connections this node accepted and delivers frames to their sinks.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*hubConn
	rooms map[string]map[string]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*hubConn),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers a connection. Re-attaching an id replaces its sink and
// keeps its rooms.
func (h *Hub) Attach(m Member, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[m.ConnID]; ok {
		c.member = m
		c.sink = sink
		return
	}
	h.conns[m.ConnID] = &hubConn{member: m, sink: sink, rooms: make(map[string]struct{})}
}

// Detach removes a connection and returns the rooms it was in.
func (h *Hub) Detach(connID string) (Member, []string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return Member{}, nil, false
	}
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
		h.removeFromRoom(r, connID)
	}
	delete(h.conns, connID)
	sort.Strings(rooms)
	return c.member, rooms, true
}

// Get returns a local connection's member record.
func (h *Hub) Get(connID string) (Member, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return Member{}, false
	}
	return c.member, true
}

// Join adds the selected local connections to room and returns the ones that
// were not already members.
func (h *Hub) Join(sel Selector, room string) []Member {
	if room == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var joined []Member
	for _, id := range h.resolve(sel) {
		c := h.conns[id]
		if _, in := c.rooms[room]; in {
			continue
		}
		c.rooms[room] = struct{}{}
		set, ok := h.rooms[room]
		if !ok {
			set = make(map[string]struct{})
			h.rooms[room] = set
		}
		set[id] = struct{}{}
		joined = append(joined, c.member)
	}
	return joined
}

// Leave removes the selected local connections from room and returns the
// ones that were members.
func (h *Hub) Leave(sel Selector, room string) []Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []Member
	for _, id := range h.resolve(sel) {
		c := h.conns[id]
		if _, in := c.rooms[room]; !in {
			continue
		}
		delete(c.rooms, room)
		h.removeFromRoom(room, id)
		left = append(left, c.member)
	}
	return left
}

// Deliver sends frame to every local connection picked by t and returns how
// many sinks accepted it.
func (h *Hub) Deliver(t Target, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	if t.All {
		ids = make([]string, 0, len(h.conns))
		for id := range h.conns {
			ids = append(ids, id)
		}
	} else {
		ids = h.resolve(t.Selector)
	}

	skip := make(map[string]struct{}, len(t.Except))
	for _, id := range t.Except {
		skip[id] = struct{}{}
	}

	sent := 0
	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		if c := h.conns[id]; c.sink != nil && c.sink.Send(frame) {
			sent++
		}
	}
	return sent
}

// MembersOf lists the local members of room ordered by connection id.
func (h *Hub) MembersOf(room string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.rooms[room]
	out := make([]Member, 0, len(set))
	for id := range set {
		out = append(out, h.conns[id].member)
	}
	sortMembers(out)
	return out
}

// RoomsOf lists a local connection's rooms in sorted order.
func (h *Hub) RoomsOf(connID string) ([]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil, false
	}
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms, true
}

// Local reports whether every connection picked by sel is known to be on
// this node. Room selectors are never local since other nodes may hold members.
func (h *Hub) Local(sel Selector) bool {
	if len(sel.Rooms) > 0 {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range sel.ConnIDs {
		if _, ok := h.conns[id]; !ok {
			return false
		}
	}
	return true
}

// Members lists every local connection.
func (h *Hub) Members() []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Member, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.member)
	}
	sortMembers(out)
	return out
}

// Len returns the number of local connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// resolve returns the local connection ids picked by sel, deduplicated.
// Callers hold h.mu.
func (h *Hub) resolve(sel Selector) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, r := range sel.Rooms {
		for id := range h.rooms[r] {
			add(id)
		}
	}
	for _, id := range sel.ConnIDs {
		if _, ok := h.conns[id]; ok {
			add(id)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) removeFromRoom(room, connID string) {
	set := h.rooms[room]
	delete(set, connID)
	if len(set) == 0 {
		delete(h.rooms, room)
	}
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ConnID < ms[j].ConnID })
}

func sortStrings(s []string) { sort.Strings(s) }
