package rbac

// 权限常量
const (
	PermissionRunPoll         = "poll:run"
	PermissionRunDispatch     = "dispatch:run"
	PermissionManageReminders = "reminder:manage"
	PermissionReplayOutbox    = "outbox:replay"
)

// 角色常量，来自 token 的 role claim
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleOperator: {
		PermissionRunPoll,
		PermissionRunDispatch,
		PermissionManageReminders,
	},
	RoleAdmin: {
		PermissionRunPoll,
		PermissionRunDispatch,
		PermissionManageReminders,
		PermissionReplayOutbox,
	},
}

// HasPermission 未知角色没有任何权限
func HasPermission(role, permission string) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
