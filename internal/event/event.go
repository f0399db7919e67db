// Package event holds the payload schema shared by client and bridge events.
//
// Every chat event carries the same optional routing fields (room, member list,
// sender, target connection). They are decoded into Body explicitly; any other
// field is opaque content and is relayed untouched.
package event

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/json"
)

// Wire names of the routing fields.
const (
	FieldChatRoomID       = "chatRoomId"
	FieldMemberIDs        = "memberIds"
	FieldSenderID         = "senderId"
	FieldSender           = "sender"
	FieldSocketID         = "socketId"
	FieldIgnoreMultiTimes = "ignoreMultiTimes"
	FieldRoom             = "room"
	FieldEventType        = "eventType"
	FieldCreatedTime      = "createdTime"
)

// SystemSender is the senderId of bridge events that name no sender.
const SystemSender = "system"

// PrivateMarker is the eventType value of outsider deliveries.
const PrivateMarker = "private"

// Event is a named chat event with its decoded body.
type Event struct {
	Type string
	Body Body
}

// Body is the decoded payload of a chat event.
type Body struct {
	// ChatRoomID is the bare room id as sent, without the group prefix.
	ChatRoomID string
	// MemberIDs is nil when the field is absent and empty when it is an empty list.
	MemberIDs []string
	SenderID  string
	// SenderRef is sender.id, used by the backend to name the acting user.
	SenderRef        string
	SocketID         string
	IgnoreMultiTimes bool
	// Room is the legacy target room of old clients.
	Room string

	fields map[string]interface{}
}

// Decode builds a Body from a decoded JSON object. Routing fields of the wrong
// shape are rejected with ErrMalformedInput; unknown fields are kept as-is.
func Decode(fields map[string]interface{}) (Body, error) {
	b := Body{fields: make(map[string]interface{}, len(fields))}
	for k, v := range fields {
		b.fields[k] = v
	}

	var err error
	if b.ChatRoomID, err = scalar(fields, FieldChatRoomID); err != nil {
		return Body{}, err
	}
	if b.SenderID, err = scalar(fields, FieldSenderID); err != nil {
		return Body{}, err
	}
	if b.SocketID, err = scalar(fields, FieldSocketID); err != nil {
		return Body{}, err
	}
	if b.Room, err = scalar(fields, FieldRoom); err != nil {
		return Body{}, err
	}
	if v, ok := fields[FieldMemberIDs]; ok && v != nil {
		list, ok := v.([]interface{})
		if !ok {
			return Body{}, errors.Wrap(errors.ErrMalformedInput, "memberIds is not an array")
		}
		b.MemberIDs = make([]string, 0, len(list))
		for _, item := range list {
			id, ok := toString(item)
			if !ok {
				return Body{}, errors.Wrap(errors.ErrMalformedInput, "memberIds contains a non-scalar")
			}
			b.MemberIDs = append(b.MemberIDs, id)
		}
	}
	if s, ok := fields[FieldSender].(map[string]interface{}); ok {
		b.SenderRef, _ = toString(s["id"])
	}
	if v, ok := fields[FieldIgnoreMultiTimes].(bool); ok {
		b.IgnoreMultiTimes = v
	}
	return b, nil
}

// DecodeJSON decodes a raw JSON object into a Body.
func DecodeJSON(data []byte) (Body, error) {
	fields, err := json.DecodeObject(data)
	if err != nil {
		return Body{}, err
	}
	return Decode(fields)
}

// HasMembers reports whether the body carried a memberIds list.
func (b Body) HasMembers() bool { return b.MemberIDs != nil }

// Fields returns a copy of every field of the original payload.
func (b Body) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(b.fields)+4)
	for k, v := range b.fields {
		out[k] = v
	}
	return out
}

// Missing returns the names in required that the payload lacks or carries as
// null, in the order given.
func (b Body) Missing(required []string) []string {
	var out []string
	for _, key := range required {
		if v, ok := b.fields[key]; !ok || v == nil {
			out = append(out, key)
		}
	}
	return out
}

// Outbound returns the payload delivered to clients: every original field plus
// the fully qualified room and the sender.
func (b Body) Outbound(room, senderID string) map[string]interface{} {
	out := b.Fields()
	if room != "" {
		out[FieldChatRoomID] = room
	}
	out[FieldSenderID] = senderID
	return out
}

// Private returns a copy of payload marked as an outsider delivery.
func Private(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[FieldEventType] = PrivateMarker
	return out
}

func scalar(fields map[string]interface{}, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := toString(v)
	if !ok {
		return "", errors.Wrap(errors.ErrMalformedInput, fmt.Sprintf("%s is not a string or number", key))
	}
	return strings.TrimSpace(s), nil
}

// toString accepts the scalar shapes ids arrive in: strings, json numbers
// (UseNumber decoding) and float64 (standard decoding).
func toString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}
