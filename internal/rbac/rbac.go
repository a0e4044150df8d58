// Package rbac decides which operations each side of the app may run. A
// sender only reports; a receiver is anyone past the admin gate.
package rbac

type Role string
type Action string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

const (
	ActionSubmit    Action = "submit"
	ActionView      Action = "view"
	ActionEdit      Action = "edit"
	ActionRemove    Action = "remove"
	ActionPurge     Action = "purge"
	ActionExport    Action = "export"
	ActionBroadcast Action = "broadcast"
	ActionSetup     Action = "setup"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleReceiver:
		return true
	case RoleSender:
		return action == ActionSubmit
	default:
		return false
	}
}

// For maps the admin gate flag onto a role.
func For(admin bool) Role {
	if admin {
		return RoleReceiver
	}
	return RoleSender
}
