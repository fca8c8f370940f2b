package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		perm  Permission
		want  bool
	}{
		{"admin writes config", []string{"admin"}, PermConfigWrite, true},
		{"operator cannot write config", []string{"operator"}, PermConfigWrite, false},
		{"operator sends", []string{"operator"}, PermChannelsSend, true},
		{"viewer reads", []string{"viewer"}, PermConfigRead, true},
		{"viewer cannot send", []string{"viewer"}, PermChannelsSend, false},
		{"unknown role", []string{"root"}, PermConfigRead, false},
		{"no roles", nil, PermConfigRead, false},
		{"any role grants", []string{"viewer", "admin"}, PermChannelsManage, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.roles, tt.perm))
		})
	}
}

func TestIsValidAuthRole(t *testing.T) {
	assert.True(t, IsValidAuthRole("operator"))
	assert.False(t, IsValidAuthRole("user"))
}
