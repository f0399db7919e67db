// Package policy holds the broadcast policy table: for every event name, who
// receives it and whether room members outside the room are notified.
//
// A Table is built once at startup and never mutated; the router receives it
// by pointer.
package policy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Delivery selects the in-room recipients of an event.
type Delivery string

const (
	// RoomAll delivers to every connection in the room, sender included.
	RoomAll Delivery = "room-all"
	// RoomExcludeSender delivers to the room except the originating connection.
	RoomExcludeSender Delivery = "room-exclude-sender"
	// SenderOnly delivers back to the originating connection only.
	SenderOnly Delivery = "sender-only"
)

// DefaultOutsiderEvent is used when a policy notifies outsiders without naming
// the event to send them.
const DefaultOutsiderEvent = "roomUpdated"

// Valid reports whether d is a known delivery mode.
func (d Delivery) Valid() bool {
	switch d {
	case RoomAll, RoomExcludeSender, SenderOnly:
		return true
	}
	return false
}

// UnmarshalYAML rejects unknown delivery modes at load time.
func (d *Delivery) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = RoomAll
		return nil
	}
	if !Delivery(s).Valid() {
		return fmt.Errorf("unknown delivery %q (supported: %s, %s, %s)", s, RoomAll, RoomExcludeSender, SenderOnly)
	}
	*d = Delivery(s)
	return nil
}

// Policy is the broadcast configuration of one event name.
type Policy struct {
	NotifyOutsiders bool     `yaml:"notifyOutsiders"`
	OutsiderEvent   string   `yaml:"outsiderEvent"`
	Delivery        Delivery `yaml:"delivery"`
	// Bridge allows the event on the verified backend channel.
	Bridge bool `yaml:"bridge"`
	// Client allows the event from identified client connections.
	Client bool `yaml:"client"`
	// ClientRequires and BridgeRequires name payload fields that must be
	// present and non-null on each path.
	ClientRequires []string `yaml:"clientRequires"`
	BridgeRequires []string `yaml:"bridgeRequires"`
}

// File is the on-disk form of a Table.
type File struct {
	Events map[string]Policy `yaml:"events"`
	// LegacyEvents are relayed verbatim between anonymous clients.
	LegacyEvents []string `yaml:"legacyEvents"`
}

// Table is an immutable policy lookup.
type Table struct {
	events map[string]Policy
	legacy map[string]struct{}
}

// New builds a Table from f, filling defaults. The input is copied.
func New(f File) (*Table, error) {
	t := &Table{
		events: make(map[string]Policy, len(f.Events)),
		legacy: make(map[string]struct{}, len(f.LegacyEvents)),
	}
	for name, p := range f.Events {
		if name == "" {
			return nil, fmt.Errorf("event name is required")
		}
		if p.Delivery == "" {
			p.Delivery = RoomAll
		}
		if !p.Delivery.Valid() {
			return nil, fmt.Errorf("event %q: unknown delivery %q", name, p.Delivery)
		}
		if p.NotifyOutsiders && p.OutsiderEvent == "" {
			p.OutsiderEvent = DefaultOutsiderEvent
		}
		p.ClientRequires = append([]string(nil), p.ClientRequires...)
		p.BridgeRequires = append([]string(nil), p.BridgeRequires...)
		t.events[name] = p
	}
	for _, name := range f.LegacyEvents {
		if _, clash := t.events[name]; clash {
			return nil, fmt.Errorf("event %q: cannot be both a chat event and a legacy event", name)
		}
		t.legacy[name] = struct{}{}
	}
	return t, nil
}

// Load reads a Table from a YAML file.
func Load(path string) (*Table, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(f)
}

// LoadFile reads policy definitions from a YAML file without building a Table.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if len(f.Events) == 0 {
		return File{}, fmt.Errorf("policy file %s defines no events", path)
	}
	return f, nil
}

// Default returns the built-in table.
func Default() *Table {
	t, err := New(DefaultFile())
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultFile returns the built-in policy definitions.
func DefaultFile() File {
	both := func(p Policy) Policy { p.Bridge, p.Client = true, true; return p }
	outsiders := func(name string) Policy {
		return Policy{NotifyOutsiders: true, OutsiderEvent: name, Delivery: RoomAll}
	}
	bridgeOnly := outsiders(DefaultOutsiderEvent)
	bridgeOnly.Bridge = true
	deleteRoom := outsiders("deleteRoom")
	deleteRoom.Bridge = true
	joinRoom := both(outsiders(DefaultOutsiderEvent))
	joinRoom.ClientRequires = []string{"memberIds"}

	return File{
		Events: map[string]Policy{
			"newMsg":         both(outsiders(DefaultOutsiderEvent)),
			"deleteMsg":      both(outsiders("deleteMsg")),
			"pinMsg":         both(outsiders("pinMsg")),
			"editMsg":        both(outsiders("editMsg")),
			"editRoom":       both(outsiders("editRoom")),
			"joinRoom":       joinRoom,
			"addTag":         both(Policy{Delivery: RoomAll}),
			"reactMsg":       both(Policy{Delivery: RoomAll}),
			"userTyping":     both(Policy{Delivery: RoomExcludeSender}),
			"userStopTyping": both(Policy{Delivery: RoomExcludeSender}),
			"pinRoom":        both(Policy{Delivery: SenderOnly}),
			"notifyConfig":   both(Policy{Delivery: SenderOnly}),
			"roomUpdated":    bridgeOnly,
			"deleteRoom":     deleteRoom,
		},
		LegacyEvents: []string{"comments message", "videochat", "command"},
	}
}

// Lookup returns the policy of an event name.
func (t *Table) Lookup(name string) (Policy, bool) {
	p, ok := t.events[name]
	return p, ok
}

// BridgeAllowed reports whether name may arrive on the backend channel.
func (t *Table) BridgeAllowed(name string) bool {
	p, ok := t.events[name]
	return ok && p.Bridge
}

// ClientAllowed reports whether name may arrive from an identified client.
func (t *Table) ClientAllowed(name string) bool {
	p, ok := t.events[name]
	return ok && p.Client
}

// IsLegacy reports whether name is a legacy relay event.
func (t *Table) IsLegacy(name string) bool {
	_, ok := t.legacy[name]
	return ok
}

// Events returns the configured event names in sorted order.
func (t *Table) Events() []string {
	names := make([]string, 0, len(t.events))
	for name := range t.events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
