package auth

type Permission string

const (
	PermViewer   Permission = "viewer"
	PermOperator Permission = "operator"
	PermAdmin    Permission = "admin"
)

// RolePermissions maps a token role to what it may do. Unknown roles only read.
func RolePermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermViewer, PermOperator, PermAdmin}
	case "operator", "farmer":
		return []Permission{PermViewer, PermOperator}
	default:
		return []Permission{PermViewer}
	}
}

func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}
