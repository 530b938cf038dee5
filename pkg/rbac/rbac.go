package rbac

// 权限常量
const (
	// 普通操作权限：操作自己的通知
	PermissionReadNotification  = "notification:read"
	PermissionWriteNotification = "notification:write"

	// 敏感操作权限
	PermissionCreateAnyNotification = "notification:create_any"
	PermissionReplayOutbox          = "outbox:replay"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionReadNotification,
		PermissionWriteNotification,
	},
	RoleAdmin: {
		PermissionReadNotification,
		PermissionWriteNotification,
		PermissionCreateAnyNotification,
		PermissionReplayOutbox,
	},
}

// NormalizeRole token 中没有角色或角色未知时按 user 处理
func NormalizeRole(role string) string {
	if _, ok := rolePermissions[role]; ok {
		return role
	}
	return RoleUser
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	for _, p := range rolePermissions[NormalizeRole(role)] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查权限，返回错误而不是布尔值，便于 handler 处理
func CheckPermission(userID, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
