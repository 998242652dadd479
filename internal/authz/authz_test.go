package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidbot/internal/storage"
	logx "raidbot/pkg/logx"
)

type fakeRoles struct {
	admins map[string]bool
	roles  map[string]string // userID -> roleID
}

func (f fakeRoles) IsAdmin(_ context.Context, _, userID string) (bool, error) {
	return f.admins[userID], nil
}

func (f fakeRoles) HasRole(_ context.Context, _, userID, roleID string) (bool, error) {
	return f.roles[userID] == roleID, nil
}

func TestCanManageRaids(t *testing.T) {
	db, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, storage.SaveSettings(db, storage.GroupSettings{
		GroupID: "g1", Timezone: "UTC", ManagerRoleID: "raid-lead",
	}))

	c := New(db, fakeRoles{
		admins: map[string]bool{"admin": true},
		roles:  map[string]string{"lead": "raid-lead", "other": "some-role"},
	})
	ctx := context.Background()

	for user, want := range map[string]bool{
		"admin": true,  // platform admin always passes
		"lead":  true,  // carries the configured manager role
		"other": false, // carries an unrelated role
		"pleb":  false,
	} {
		got, err := c.CanManageRaids(ctx, "g1", user)
		require.NoError(t, err)
		assert.Equal(t, want, got, "user %s", user)
	}

	// group without a manager role: only admins pass
	got, err := c.CanManageRaids(ctx, "g2", "lead")
	require.NoError(t, err)
	assert.False(t, got)

	got, err = c.CanManageRaids(ctx, "g2", "admin")
	require.NoError(t, err)
	assert.True(t, got)
}
