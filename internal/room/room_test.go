package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespaces(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		group  bool
		user   bool
		legacy bool
	}{
		{"group", "group:42", true, false, false},
		{"user", "user:u1", false, true, false},
		{"legacy", "lobby", false, false, true},
		{"empty", "", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.group, IsGroup(tt.in))
			assert.Equal(t, tt.user, IsUser(tt.in))
			assert.Equal(t, tt.legacy, IsLegacy(tt.in))
		})
	}
}

func TestPrefixing(t *testing.T) {
	assert.Equal(t, "group:42", Group("42"))
	assert.Equal(t, "group:42", Group("group:42"))
	assert.Equal(t, "", Group(""))
	assert.Equal(t, "user:u1", User("u1"))
	assert.Equal(t, "user:u1", User("user:u1"))
}
