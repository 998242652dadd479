package raid

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"raidbot/internal/storage"
)

// RosterView is a render-ready snapshot of one raid and its roster.
type RosterView struct {
	Raid        storage.Raid
	Titulars    []storage.RaidParticipant // ordered by position
	Substitutes []storage.RaidParticipant // ordered by join time
	Absent      []storage.RaidParticipant
}

// FreeSlots is how many titular seats remain.
func (v RosterView) FreeSlots() int {
	n := MaxPlayers - len(v.Titulars)
	if n < 0 {
		return 0
	}
	return n
}

// LoadView reads a raid and its full roster in one snapshot.
func LoadView(ctx context.Context, db *gorm.DB, raidID uint64) (RosterView, error) {
	var v RosterView
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", raidID).First(&v.Raid).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRaidNotFound
			}
			return err
		}
		var parts []storage.RaidParticipant
		if err := tx.Where("raid_id = ?", raidID).
			Order("created_at ASC, id ASC").
			Find(&parts).Error; err != nil {
			return err
		}
		for _, p := range parts {
			switch p.Status {
			case storage.PartConfirmed, storage.PartLate:
				v.Titulars = append(v.Titulars, p)
			case storage.PartSubstitute:
				v.Substitutes = append(v.Substitutes, p)
			case storage.PartAbsent:
				v.Absent = append(v.Absent, p)
			}
		}
		sortByPosition(v.Titulars)
		return nil
	})
	return v, err
}

func sortByPosition(parts []storage.RaidParticipant) {
	// insertion sort, rosters cap at 8
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && pos(parts[j]) < pos(parts[j-1]); j-- {
			parts[j], parts[j-1] = parts[j-1], parts[j]
		}
	}
}

func pos(p storage.RaidParticipant) int {
	if p.Position == nil {
		return 1 << 30
	}
	return *p.Position
}
