package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionManage
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Elevated reports whether the role may act on resources it does not
// own. Editors keep the broad rights the original handlers granted
// them; tightening this is a product decision, not a code one.
func Elevated(role Role) bool {
	return role == RoleAdmin || role == RoleEditor
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
