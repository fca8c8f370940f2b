package domain

// AuthRole represents a gateway client role.
type AuthRole string

const (
	AuthRoleAdmin    AuthRole = "admin"
	AuthRoleOperator AuthRole = "operator"
	AuthRoleViewer   AuthRole = "viewer"
)

// AllAuthRoles lists every valid authorization role for validation purposes.
var AllAuthRoles = []AuthRole{AuthRoleAdmin, AuthRoleOperator, AuthRoleViewer}

// Permission represents a granular action that can be authorized.
type Permission string

const (
	PermConfigRead     Permission = "config:read"
	PermConfigWrite    Permission = "config:write"
	PermPluginsRead    Permission = "plugins:read"
	PermPluginsInvoke  Permission = "plugins:invoke"
	PermChannelsRead   Permission = "channels:read"
	PermChannelsSend   Permission = "channels:send"
	PermChannelsManage Permission = "channels:manage"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[AuthRole][]Permission{
	AuthRoleAdmin: {
		PermConfigRead, PermConfigWrite,
		PermPluginsRead, PermPluginsInvoke,
		PermChannelsRead, PermChannelsSend, PermChannelsManage,
	},
	AuthRoleOperator: {
		PermConfigRead,
		PermPluginsRead, PermPluginsInvoke,
		PermChannelsRead, PermChannelsSend,
	},
	AuthRoleViewer: {
		PermConfigRead,
		PermPluginsRead,
		PermChannelsRead,
	},
}

// IsValidAuthRole returns true if the given string represents a known role.
func IsValidAuthRole(s string) bool {
	for _, r := range AllAuthRoles {
		if string(r) == s {
			return true
		}
	}
	return false
}

// HasPermission reports whether any of roles grants perm.
func HasPermission(roles []string, perm Permission) bool {
	for _, r := range roles {
		for _, p := range RolePermissions[AuthRole(r)] {
			if p == perm {
				return true
			}
		}
	}
	return false
}
