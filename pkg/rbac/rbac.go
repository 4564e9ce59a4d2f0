package rbac

import "slices"

// 权限常量
const (
	PermissionReadUsers      = "users:read"
	PermissionWriteUsers     = "users:write"
	PermissionReadSchedule   = "schedule:read"
	PermissionTriggerScan    = "scan:trigger"
	PermissionReadDelivery   = "delivery:read"
	PermissionReplayDelivery = "delivery:replay"
)

// 角色常量
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var rolePermissions = map[string][]string{
	RoleViewer: {
		PermissionReadUsers,
		PermissionReadSchedule,
		PermissionReadDelivery,
	},
	RoleOperator: {
		PermissionReadUsers,
		PermissionReadSchedule,
		PermissionReadDelivery,
		PermissionTriggerScan,
		PermissionReplayDelivery,
	},
	RoleAdmin: {
		PermissionReadUsers,
		PermissionWriteUsers,
		PermissionReadSchedule,
		PermissionTriggerScan,
		PermissionReadDelivery,
		PermissionReplayDelivery,
	},
}

// IsKnownRole reports whether role has a permission set.
func IsKnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

func HasPermission(role, permission string) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}
	return slices.Contains(permissions, permission)
}

// CheckPermission 返回错误而不是布尔值，便于 handler 处理
func CheckPermission(subject, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Subject:    subject,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Subject    string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
