// Package room defines the room identifier namespaces shared by every
// component that joins, leaves or emits to rooms.
package room

import "strings"

const (
	GroupPrefix = "group:"
	UserPrefix  = "user:"
)

// Group returns the structured chat room for a chat room id. Ids that already
// carry the prefix are returned unchanged.
func Group(id string) string {
	if id == "" || strings.HasPrefix(id, GroupPrefix) {
		return id
	}
	return GroupPrefix + id
}

// User returns the private notification channel for an identity.
func User(id string) string {
	if id == "" || strings.HasPrefix(id, UserPrefix) {
		return id
	}
	return UserPrefix + id
}

// IsGroup reports whether r is in the group namespace.
func IsGroup(r string) bool { return strings.HasPrefix(r, GroupPrefix) }

// IsUser reports whether r is in the user namespace.
func IsUser(r string) bool { return strings.HasPrefix(r, UserPrefix) }

// IsLegacy reports whether r is a free-form room name outside both reserved
// namespaces.
func IsLegacy(r string) bool { return r != "" && !IsGroup(r) && !IsUser(r) }
