package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(RoleOperator, PermissionRunPoll))
	assert.True(t, HasPermission(RoleOperator, PermissionManageReminders))
	assert.False(t, HasPermission(RoleOperator, PermissionReplayOutbox))
	assert.True(t, HasPermission(RoleAdmin, PermissionReplayOutbox))
	assert.False(t, HasPermission("", PermissionRunPoll))
	assert.False(t, HasPermission("viewer", PermissionRunDispatch))
}

func TestCheckPermission(t *testing.T) {
	assert.NoError(t, CheckPermission(RoleAdmin, PermissionRunDispatch))

	err := CheckPermission(RoleOperator, PermissionReplayOutbox)
	var denied *PermissionDeniedError
	if assert.True(t, errors.As(err, &denied)) {
		assert.Equal(t, RoleOperator, denied.Role)
		assert.Equal(t, PermissionReplayOutbox, denied.Permission)
	}
}
