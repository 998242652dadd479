// Package authz gates raid-management operations. A user may manage raids
// when the platform marks them an admin of the group, or when they carry
// the group's configured manager role.
package authz

import (
	"context"

	"gorm.io/gorm"

	"raidbot/internal/storage"
	"raidbot/internal/transport"
)

type Checker struct {
	db    *gorm.DB
	roles transport.RoleChecker
}

func New(db *gorm.DB, roles transport.RoleChecker) *Checker {
	return &Checker{db: db, roles: roles}
}

func (c *Checker) CanManageRaids(ctx context.Context, groupID, userID string) (bool, error) {
	ok, err := c.roles.IsAdmin(ctx, groupID, userID)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	set, err := storage.Settings(c.db, groupID)
	if err != nil {
		return false, err
	}
	if set.ManagerRoleID == "" {
		return false, nil
	}
	return c.roles.HasRole(ctx, groupID, userID, set.ManagerRoleID)
}
