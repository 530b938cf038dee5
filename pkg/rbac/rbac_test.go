package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(RoleUser, PermissionWriteNotification))
	assert.False(t, HasPermission(RoleUser, PermissionCreateAnyNotification))
	assert.True(t, HasPermission(RoleAdmin, PermissionCreateAnyNotification))
	assert.True(t, HasPermission(RoleAdmin, PermissionReplayOutbox))
	// 未知角色按 user 处理
	assert.True(t, HasPermission("", PermissionReadNotification))
	assert.False(t, HasPermission("superuser", PermissionReplayOutbox))
}

func TestCheckPermission(t *testing.T) {
	err := CheckPermission("u1", RoleUser, PermissionReplayOutbox)
	var denied *PermissionDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, "u1", denied.UserID)

	assert.NoError(t, CheckPermission("u1", RoleAdmin, PermissionReplayOutbox))
}
