package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleViewer))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.True(t, RoleOperator.AtLeast(RoleViewer))
	assert.False(t, RoleViewer.AtLeast(RoleOperator))
	assert.False(t, RoleOperator.AtLeast(RoleAdmin))
	assert.False(t, Role("root").AtLeast(RoleViewer))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleViewer.Valid())
	assert.True(t, RoleOperator.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("").Valid())
	assert.False(t, Role("superadmin").Valid())
}
