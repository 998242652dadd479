package raid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"raidbot/internal/storage"
	logx "raidbot/pkg/logx"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	return db
}

func makeRaid(t *testing.T, db *gorm.DB, mut ...func(*storage.Raid)) storage.Raid {
	t.Helper()
	r := storage.Raid{
		GroupID:   "g1",
		CreatedBy: "owner",
		Zone:      "Dark Hours",
		StartAt:   time.Now().UTC().Add(2 * time.Hour),
		Status:    storage.RaidPlanned,
	}
	for _, m := range mut {
		m(&r)
	}
	require.NoError(t, db.Create(&r).Error)
	return r
}

type fakeNotifier struct {
	mu       sync.Mutex
	promoted []string
	warns    []string
}

func (f *fakeNotifier) PromotionDM(userID string, _ storage.Raid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, userID)
}

func (f *fakeNotifier) Warn(_, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warns = append(f.warns, text)
}

func participant(t *testing.T, db *gorm.DB, raidID uint64, userID string) storage.RaidParticipant {
	t.Helper()
	var p storage.RaidParticipant
	require.NoError(t, db.Where("raid_id = ? AND user_id = ?", raidID, userID).First(&p).Error)
	return p
}

func fillRoster(t *testing.T, ro *Roster, raidID uint64, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, ro.Join(context.Background(), raidID, fmt.Sprintf("u%d", i)))
	}
}

func TestJoinAssignsSequentialPositions(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, 3)
	for i := 1; i <= 3; i++ {
		p := participant(t, db, r.ID, fmt.Sprintf("u%d", i))
		assert.Equal(t, storage.PartConfirmed, p.Status)
		require.NotNil(t, p.Position)
		assert.Equal(t, i, *p.Position)
		assert.Equal(t, storage.RoleDPS, p.Role)
		assert.NotNil(t, p.ConfirmedAt)
	}

	// joining twice does not duplicate the row or move the position
	require.NoError(t, ro.Join(ctx, r.ID, "u2"))
	var n int64
	require.NoError(t, db.Model(&storage.RaidParticipant{}).
		Where("raid_id = ?", r.ID).Count(&n).Error)
	assert.Equal(t, int64(3), n)
}

func TestNinthJoinBecomesSubstitute(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)

	fillRoster(t, ro, r.ID, MaxPlayers)
	require.NoError(t, ro.Join(context.Background(), r.ID, "bench1"))

	p := participant(t, db, r.ID, "bench1")
	assert.Equal(t, storage.PartSubstitute, p.Status)
	assert.Nil(t, p.Position)
	assert.Nil(t, p.ConfirmedAt)
}

func TestLeavePromotesLongestWaitingSubstitute(t *testing.T) {
	db := testDB(t)
	notif := &fakeNotifier{}
	ro := NewRoster(db, logx.Nop(), notif, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, MaxPlayers)
	require.NoError(t, ro.Join(ctx, r.ID, "bench1"))
	require.NoError(t, ro.Join(ctx, r.ID, "bench2"))

	require.NoError(t, ro.Leave(ctx, r.ID, "u3"))

	// u3 is gone, bench1 (first in) holds a slot at max position + 1
	var gone int64
	require.NoError(t, db.Model(&storage.RaidParticipant{}).
		Where("raid_id = ? AND user_id = ?", r.ID, "u3").Count(&gone).Error)
	assert.Zero(t, gone)

	p := participant(t, db, r.ID, "bench1")
	assert.Equal(t, storage.PartConfirmed, p.Status)
	require.NotNil(t, p.Position)
	assert.Equal(t, MaxPlayers+1, *p.Position)
	assert.NotNil(t, p.ConfirmedAt)

	b2 := participant(t, db, r.ID, "bench2")
	assert.Equal(t, storage.PartSubstitute, b2.Status)

	assert.Equal(t, []string{"bench1"}, notif.promoted)
}

func TestLeaveUnknownUserIsNoop(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)

	require.NoError(t, ro.Leave(context.Background(), r.ID, "stranger"))
}

func TestMarkSubstituteFreesSlot(t *testing.T) {
	db := testDB(t)
	notif := &fakeNotifier{}
	ro := NewRoster(db, logx.Nop(), notif, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, MaxPlayers)
	require.NoError(t, ro.Join(ctx, r.ID, "bench1"))

	require.NoError(t, ro.MarkSubstitute(ctx, r.ID, "u1"))

	u1 := participant(t, db, r.ID, "u1")
	assert.Equal(t, storage.PartSubstitute, u1.Status)
	assert.Nil(t, u1.Position)

	promoted := participant(t, db, r.ID, "bench1")
	assert.Equal(t, storage.PartConfirmed, promoted.Status)
	assert.Equal(t, []string{"bench1"}, notif.promoted)
}

func TestMarkLateKeepsSlotAndPosition(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, 2)
	require.NoError(t, ro.MarkLate(ctx, r.ID, "u1"))

	p := participant(t, db, r.ID, "u1")
	assert.Equal(t, storage.PartLate, p.Status)
	require.NotNil(t, p.Position)
	assert.Equal(t, 1, *p.Position)
	assert.True(t, p.Titular())
}

func TestMarkLateRequiresTitular(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	assert.ErrorIs(t, ro.MarkLate(ctx, r.ID, "stranger"), ErrNotParticipant)

	fillRoster(t, ro, r.ID, MaxPlayers)
	require.NoError(t, ro.Join(ctx, r.ID, "bench1"))
	assert.ErrorIs(t, ro.MarkLate(ctx, r.ID, "bench1"), ErrNotTitular)
}

func TestMarkAbsentFreesSlotAndPromotes(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, MaxPlayers)
	require.NoError(t, ro.Join(ctx, r.ID, "bench1"))

	require.NoError(t, ro.MarkAbsent(ctx, r.ID, "u5"))

	u5 := participant(t, db, r.ID, "u5")
	assert.Equal(t, storage.PartAbsent, u5.Status)
	assert.Nil(t, u5.Position)

	promoted := participant(t, db, r.ID, "bench1")
	assert.Equal(t, storage.PartConfirmed, promoted.Status)

	assert.ErrorIs(t, ro.MarkAbsent(ctx, r.ID, "stranger"), ErrNotParticipant)
}

func TestSetRoleUpdatesInPlace(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, 2)
	require.NoError(t, ro.SetRole(ctx, r.ID, "u1", storage.RoleHeal))

	p := participant(t, db, r.ID, "u1")
	assert.Equal(t, storage.RoleHeal, p.Role)
	require.NotNil(t, p.Position)
	assert.Equal(t, 1, *p.Position)

	// unknown user signs up with the requested role
	require.NoError(t, ro.SetRole(ctx, r.ID, "u9", storage.RoleTank))
	p9 := participant(t, db, r.ID, "u9")
	assert.Equal(t, storage.RoleTank, p9.Role)
	assert.Equal(t, storage.PartConfirmed, p9.Status)

	assert.ErrorIs(t, ro.SetRole(ctx, r.ID, "u1", storage.Role("BARD")), ErrBadRole)
}

func TestSwapExchangesPositionsAtomically(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, 4)
	require.NoError(t, ro.Swap(ctx, "owner", r.ID, "u1", "u4"))

	assert.Equal(t, 4, *participant(t, db, r.ID, "u1").Position)
	assert.Equal(t, 1, *participant(t, db, r.ID, "u4").Position)
}

func TestSwapRejectsNonTitulars(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, MaxPlayers)
	require.NoError(t, ro.Join(ctx, r.ID, "bench1"))

	assert.ErrorIs(t, ro.Swap(ctx, "owner", r.ID, "u1", "bench1"), ErrNotTitular)
	assert.ErrorIs(t, ro.Swap(ctx, "owner", r.ID, "u1", "stranger"), ErrNotTitular)

	// nothing moved
	assert.Equal(t, 1, *participant(t, db, r.ID, "u1").Position)
}

func TestMutationsRejectedWhenLockedOrClosed(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	ctx := context.Background()

	locked := makeRaid(t, db, func(r *storage.Raid) { r.RosterLocked = true })
	assert.ErrorIs(t, ro.Join(ctx, locked.ID, "u1"), ErrRosterLocked)
	assert.ErrorIs(t, ro.Leave(ctx, locked.ID, "u1"), ErrRosterLocked)
	assert.ErrorIs(t, ro.MarkLate(ctx, locked.ID, "u1"), ErrRosterLocked)

	live := makeRaid(t, db, func(r *storage.Raid) { r.Status = storage.RaidLive })
	assert.ErrorIs(t, ro.Join(ctx, live.ID, "u1"), ErrRaidNotOpen)

	assert.ErrorIs(t, ro.Join(ctx, 9999, "u1"), ErrRaidNotFound)
}

func TestLoadViewGroupsRoster(t *testing.T) {
	db := testDB(t)
	ro := NewRoster(db, logx.Nop(), nil, nil)
	r := makeRaid(t, db)
	ctx := context.Background()

	fillRoster(t, ro, r.ID, MaxPlayers)
	require.NoError(t, ro.Join(ctx, r.ID, "bench1"))
	require.NoError(t, ro.MarkLate(ctx, r.ID, "u2"))
	require.NoError(t, ro.MarkAbsent(ctx, r.ID, "u3")) // bench1 promoted

	v, err := LoadView(ctx, db, r.ID)
	require.NoError(t, err)
	assert.Len(t, v.Titulars, MaxPlayers)
	assert.Empty(t, v.Substitutes)
	assert.Len(t, v.Absent, 1)
	assert.Equal(t, 0, v.FreeSlots())

	// titulars come back ordered by position
	for i := 1; i < len(v.Titulars); i++ {
		assert.Less(t, *v.Titulars[i-1].Position, *v.Titulars[i].Position)
	}

	_, err = LoadView(ctx, db, 9999)
	assert.ErrorIs(t, err, ErrRaidNotFound)
}
