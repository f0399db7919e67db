// Package router maps inbound chat events to deliveries.
//
// Bridge events (no origin connection) were verified upstream and are routed by
// the policy table's bridge allow-list. Client events carry their origin
// connection; identified clients use the chat events of the policy table.
// Anonymous clients get the legacy relay for configured legacy events and a
// verbatim global broadcast for anything else.
package router

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/internal/cluster"
	"github.com/nmxmxh/chatrelay/internal/event"
	"github.com/nmxmxh/chatrelay/internal/lifecycle"
	"github.com/nmxmxh/chatrelay/internal/policy"
	"github.com/nmxmxh/chatrelay/internal/presence"
	"github.com/nmxmxh/chatrelay/internal/room"
	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/json"
	"github.com/nmxmxh/chatrelay/pkg/metrics"
)

const (
	// EventJoinRoom switches connections into a group room before delivery.
	EventJoinRoom = "joinRoom"
	// EventLegacyJoin is the legacy client's room subscription request.
	EventLegacyJoin = "room"
	// EventAddedToRoom notifies users added by an operator.
	EventAddedToRoom = "added_to_room"
	// DefaultAddedRoomName names rooms added without a name.
	DefaultAddedRoomName = "New Room"
)

// Origin is the client connection an event came from.
type Origin struct {
	ConnID string
	// UserID is empty for anonymous connections.
	UserID string
	// LegacyRooms are the rooms of the last legacy join request.
	LegacyRooms []string
}

// Differ splits expected room members by presence.
type Differ interface {
	Diff(ctx context.Context, room string, expected []string) presence.Diff
}

// Membership is the subset of the lifecycle manager the router drives.
type Membership interface {
	SwitchRoom(ctx context.Context, connID, newRoom string) (lifecycle.Switch, error)
	SwitchIdentity(ctx context.Context, userID, newRoom string) ([]lifecycle.Switch, error)
	JoinLegacy(ctx context.Context, connID, rooms string) ([]string, error)
}

// Router routes events according to an immutable policy table.
type Router struct {
	cluster    cluster.Cluster
	presence   Differ
	membership Membership
	policies   *policy.Table
	now        func() time.Time
	log        *zap.Logger
}

// New returns a Router.
func New(c cluster.Cluster, d Differ, m Membership, policies *policy.Table, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		cluster:    c,
		presence:   d,
		membership: m,
		policies:   policies,
		now:        time.Now,
		log:        log.With(zap.String("module", "router")),
	}
}

// delivery is one resolved event ready to go out.
type delivery struct {
	name       string
	room       string
	payload    map[string]interface{}
	policy     policy.Policy
	senderConn string
	senderUser string
	members    []string
	hasMembers bool
	// roomSuppressed skips in-room delivery except sender-only.
	roomSuppressed bool
}

// Route delivers ev. A nil origin marks a verified bridge event.
func (r *Router) Route(ctx context.Context, ev event.Event, origin *Origin) error {
	if origin == nil {
		return r.routeBridge(ctx, ev)
	}
	return r.routeClient(ctx, ev, origin)
}

func (r *Router) routeBridge(ctx context.Context, ev event.Event) error {
	if !r.policies.BridgeAllowed(ev.Type) {
		r.log.Warn("Dropping bridge event outside allow-list", zap.String("event", ev.Type))
		return errors.Wrap(errors.ErrUnknownEvent, ev.Type)
	}
	b := ev.Body
	if b.ChatRoomID == "" {
		r.log.Warn("Dropping bridge event without chatRoomId", zap.String("event", ev.Type))
		return errors.Wrap(errors.ErrMissingRoom, ev.Type)
	}
	pol, _ := r.policies.Lookup(ev.Type)
	if missing := b.Missing(pol.BridgeRequires); len(missing) > 0 {
		r.log.Warn("Dropping bridge event without required fields", zap.String("event", ev.Type), zap.Strings("missing", missing))
		return errors.Wrap(errors.ErrMalformedInput, ev.Type+" without "+strings.Join(missing, ","))
	}

	target := room.Group(b.ChatRoomID)
	sender := b.SenderID
	if sender == "" {
		sender = event.SystemSender
	}
	payload := b.Outbound(target, sender)
	payload[event.FieldEventType] = ev.Type

	d := delivery{
		name:       ev.Type,
		room:       target,
		payload:    payload,
		policy:     pol,
		senderConn: b.SocketID,
		members:    b.MemberIDs,
		hasMembers: b.HasMembers(),
	}
	if b.SenderID != "" && b.SenderID != event.SystemSender {
		d.senderUser = b.SenderID
	}

	if ev.Type == EventJoinRoom {
		joined, err := r.bridgeJoin(ctx, b, target)
		if err != nil {
			_ = errors.LogWithError(ctx, r.log, "Room switch failed", err, zap.String("room", target))
		}
		d.roomSuppressed = !joined
	}
	return r.deliver(ctx, d)
}

// bridgeJoin moves the backend-named connection, or every connection of the
// acting user, into target. It reports whether any connection joined.
func (r *Router) bridgeJoin(ctx context.Context, b event.Body, target string) (bool, error) {
	if b.SocketID != "" {
		if _, found, err := r.cluster.Lookup(ctx, b.SocketID); err == nil && !found {
			r.log.Info("Join target connection not found in cluster", zap.String("conn_id", b.SocketID))
			return false, nil
		}
		sw, err := r.membership.SwitchRoom(ctx, b.SocketID, target)
		return sw.Joined, err
	}

	user := b.SenderRef
	if user == "" && b.SenderID != event.SystemSender {
		user = b.SenderID
	}
	if user == "" {
		r.log.Warn("joinRoom names neither socketId nor sender", zap.String("room", target))
		return false, nil
	}
	switches, err := r.membership.SwitchIdentity(ctx, user, target)
	return anyJoined(switches), err
}

func (r *Router) routeClient(ctx context.Context, ev event.Event, origin *Origin) error {
	if origin.UserID == "" {
		r.log.Debug("Dropping chat event from anonymous connection", zap.String("event", ev.Type), zap.String("conn_id", origin.ConnID))
		return errors.Wrap(errors.ErrMissingIdentity, ev.Type)
	}
	if !r.policies.ClientAllowed(ev.Type) {
		r.log.Debug("Dropping unknown client event", zap.String("event", ev.Type), zap.String("conn_id", origin.ConnID))
		return errors.Wrap(errors.ErrUnknownEvent, ev.Type)
	}
	b := ev.Body
	if b.ChatRoomID == "" {
		r.log.Info("Client event dropped: no chatRoomId", zap.String("event", ev.Type), zap.String("conn_id", origin.ConnID))
		return errors.Wrap(errors.ErrMissingRoom, ev.Type)
	}
	pol, _ := r.policies.Lookup(ev.Type)
	if missing := b.Missing(pol.ClientRequires); len(missing) > 0 {
		r.log.Info("Client event dropped: required fields missing",
			zap.String("event", ev.Type), zap.String("conn_id", origin.ConnID), zap.Strings("missing", missing))
		return errors.Wrap(errors.ErrMalformedInput, ev.Type+" without "+strings.Join(missing, ","))
	}
	target := room.Group(b.ChatRoomID)

	payload := b.Outbound(target, origin.UserID)
	payload[event.FieldCreatedTime] = r.now().UnixMilli()

	d := delivery{
		name:           ev.Type,
		room:           target,
		payload:        payload,
		policy:         pol,
		senderConn:     origin.ConnID,
		senderUser:     origin.UserID,
		members:        b.MemberIDs,
		hasMembers:     b.HasMembers(),
		roomSuppressed: b.IgnoreMultiTimes,
	}

	if ev.Type == EventJoinRoom {
		if !contains(b.MemberIDs, origin.UserID) {
			r.log.Info("joinRoom refused: user is not a member",
				zap.String("user_id", origin.UserID), zap.String("room", target))
			return nil
		}
		switches, err := r.membership.SwitchIdentity(ctx, origin.UserID, target)
		if err != nil {
			_ = errors.LogWithError(ctx, r.log, "Room switch failed", err, zap.String("room", target))
		}
		if !anyJoined(switches) {
			r.log.Debug("User already in room", zap.String("user_id", origin.UserID), zap.String("room", target))
			d.roomSuppressed = true
		}
	}
	return r.deliver(ctx, d)
}

// deliver emits the in-room delivery and the outsider notifications of d.
func (r *Router) deliver(ctx context.Context, d delivery) error {
	var errs []error
	emit := func(kind string, t cluster.Target, name string, payload map[string]interface{}) {
		if err := r.cluster.Emit(ctx, t, name, payload); err != nil {
			errs = append(errs, errors.LogWithError(ctx, r.log, "Emit failed", err, zap.String("event", name), zap.String("kind", kind)))
			return
		}
		metrics.Deliveries.WithLabelValues(kind).Inc()
	}

	switch d.policy.Delivery {
	case policy.SenderOnly:
		switch {
		case d.senderConn != "":
			emit("sender", cluster.To(cluster.Conns(d.senderConn)), d.name, d.payload)
		case d.senderUser != "":
			emit("sender", cluster.To(cluster.InRooms(room.User(d.senderUser))), d.name, d.payload)
		default:
			r.log.Warn("Sender-only event has no sender to deliver to", zap.String("event", d.name))
		}
	case policy.RoomExcludeSender:
		if !d.roomSuppressed {
			t := cluster.To(cluster.InRooms(d.room))
			if d.senderConn != "" {
				t = t.Excluding(d.senderConn)
			}
			emit("room", t, d.name, d.payload)
		}
	default:
		if !d.roomSuppressed {
			emit("room", cluster.To(cluster.InRooms(d.room)), d.name, d.payload)
		}
	}

	if d.policy.NotifyOutsiders && d.hasMembers {
		diff := r.presence.Diff(ctx, d.room, d.members)
		if len(diff.Absent) > 0 {
			channels := make([]string, 0, len(diff.Absent))
			for _, id := range diff.Absent {
				channels = append(channels, room.User(id))
			}
			emit("outsider", cluster.To(cluster.InRooms(channels...)), d.policy.OutsiderEvent, event.Private(d.payload))
			r.log.Debug("Notified outsiders",
				zap.String("event", d.policy.OutsiderEvent), zap.String("room", d.room), zap.Int("count", len(diff.Absent)))
		}
	}
	return stderrors.Join(errs...)
}

// HandleClient dispatches one frame received from a client connection.
func (r *Router) HandleClient(ctx context.Context, origin *Origin, name string, data json.RawMessage) error {
	switch {
	case name == EventLegacyJoin:
		return r.legacyJoin(ctx, origin, data)
	case r.policies.IsLegacy(name):
		return r.relayLegacy(ctx, origin, name, data)
	case origin.UserID == "" && !r.policies.ClientAllowed(name):
		return r.relayGlobal(ctx, name, data)
	}

	body, err := event.DecodeJSON(data)
	if err != nil {
		r.log.Info("Client event dropped: malformed payload", zap.String("event", name), zap.String("conn_id", origin.ConnID), zap.Error(err))
		return errors.Wrap(errors.ErrMalformedInput, err.Error())
	}
	return r.Route(ctx, event.Event{Type: name, Body: body}, origin)
}

func (r *Router) legacyJoin(ctx context.Context, origin *Origin, data json.RawMessage) error {
	var rooms string
	if err := json.Unmarshal(data, &rooms); err != nil {
		r.log.Info("Legacy join dropped: room list is not a string", zap.String("conn_id", origin.ConnID))
		return errors.Wrap(errors.ErrMalformedInput, "room list")
	}
	joined, err := r.membership.JoinLegacy(ctx, origin.ConnID, rooms)
	if len(joined) > 0 {
		origin.LegacyRooms = joined
	}
	return err
}

// relayLegacy forwards a frame untouched to data.room or the connection's
// legacy rooms, excluding the sender, or to everyone when no room is known.
func (r *Router) relayLegacy(ctx context.Context, origin *Origin, name string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	rooms := origin.LegacyRooms
	if target := legacyTarget(data); target != "" {
		if !room.IsLegacy(target) {
			r.log.Warn("Legacy relay to reserved room refused", zap.String("conn_id", origin.ConnID), zap.String("room", target))
			return errors.Wrap(errors.ErrMalformedInput, "reserved room")
		}
		rooms = []string{target}
	}

	if len(rooms) == 0 {
		return r.relayGlobal(ctx, name, data)
	}
	var payload interface{} = data
	if err := r.cluster.Emit(ctx, cluster.To(cluster.InRooms(rooms...)).Excluding(origin.ConnID), name, payload); err != nil {
		return err
	}
	metrics.Deliveries.WithLabelValues("legacy").Inc()
	return nil
}

// relayGlobal sends a frame untouched to every connection, sender included.
func (r *Router) relayGlobal(ctx context.Context, name string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	var payload interface{} = data
	if err := r.cluster.Emit(ctx, cluster.Everyone(), name, payload); err != nil {
		return err
	}
	metrics.Deliveries.WithLabelValues("global").Inc()
	r.log.Debug("Relayed event globally", zap.String("event", name))
	return nil
}

// NotifyAdded tells each user they were added to roomID.
func (r *Router) NotifyAdded(ctx context.Context, users []string, roomID, roomName string) error {
	if roomName == "" {
		roomName = DefaultAddedRoomName
	}
	channels := make([]string, 0, len(users))
	for _, u := range users {
		if u != "" {
			channels = append(channels, room.User(u))
		}
	}
	if len(channels) == 0 {
		return nil
	}
	payload := map[string]interface{}{"roomId": roomID, "roomName": roomName}
	if err := r.cluster.Emit(ctx, cluster.To(cluster.InRooms(channels...)), EventAddedToRoom, payload); err != nil {
		return err
	}
	metrics.Deliveries.WithLabelValues("admin").Inc()
	return nil
}

func legacyTarget(data json.RawMessage) string {
	var peek struct {
		Room interface{} `json:"room"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ""
	}
	s, _ := peek.Room.(string)
	return strings.TrimSpace(s)
}

func anyJoined(switches []lifecycle.Switch) bool {
	for _, sw := range switches {
		if sw.Joined {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
