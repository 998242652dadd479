package raid

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"raidbot/internal/storage"
	logx "raidbot/pkg/logx"
)

// MaxPlayers is the fixed titular capacity of a raid.
const MaxPlayers = 8

// Roster is the per-raid participant state machine. Every operation runs
// inside one transaction: read current state, decide the effect, write.
type Roster struct {
	db    *gorm.DB
	log   logx.Logger
	notif Notifier
	authz Authorizer
}

func NewRoster(db *gorm.DB, log logx.Logger, notif Notifier, authz Authorizer) *Roster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Roster{db: db, log: log, notif: notif, authz: authz}
}

// mutationAllowed is the single gate every mutating entry point checks:
// roster changes are permitted only on an unlocked PLANNED raid.
func mutationAllowed(r storage.Raid) error {
	if r.Status != storage.RaidPlanned {
		return ErrRaidNotOpen
	}
	if r.RosterLocked {
		return ErrRosterLocked
	}
	return nil
}

func lockRaid(tx *gorm.DB, raidID uint64) (storage.Raid, error) {
	var r storage.Raid
	err := tx.Where("id = ?", raidID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r, ErrRaidNotFound
	}
	return r, err
}

func findParticipant(tx *gorm.DB, raidID uint64, userID string) (*storage.RaidParticipant, error) {
	var p storage.RaidParticipant
	err := tx.Where("raid_id = ? AND user_id = ?", raidID, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func titularCount(tx *gorm.DB, raidID uint64) (int64, error) {
	var n int64
	err := tx.Model(&storage.RaidParticipant{}).
		Where("raid_id = ? AND status NOT IN ?", raidID,
			[]storage.ParticipantStatus{storage.PartSubstitute, storage.PartAbsent}).
		Count(&n).Error
	return n, err
}

func maxPosition(tx *gorm.DB, raidID uint64) (int, error) {
	var max int
	err := tx.Model(&storage.RaidParticipant{}).
		Where("raid_id = ? AND position IS NOT NULL", raidID).
		Select("COALESCE(MAX(position), 0)").
		Scan(&max).Error
	return max, err
}

// promoteFirstSubstitute converts the longest-waiting substitute (FIFO by
// creation time) into a CONFIRMED participant at max position + 1. Returns
// nil when no substitute is waiting.
func promoteFirstSubstitute(tx *gorm.DB, raidID uint64) (*storage.RaidParticipant, error) {
	var sub storage.RaidParticipant
	err := tx.Where("raid_id = ? AND status = ?", raidID, storage.PartSubstitute).
		Order("created_at ASC, id ASC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	max, err := maxPosition(tx, raidID)
	if err != nil {
		return nil, err
	}
	pos := max + 1
	now := time.Now().UTC()
	err = tx.Model(&storage.RaidParticipant{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"status":       storage.PartConfirmed,
			"position":     pos,
			"confirmed_at": now,
		}).Error
	if err != nil {
		return nil, err
	}
	sub.Status = storage.PartConfirmed
	sub.Position = &pos
	sub.ConfirmedAt = &now
	return &sub, nil
}

// notifyPromotion runs after commit; failure never affects the mutation.
func (ro *Roster) notifyPromotion(promoted *storage.RaidParticipant, raid storage.Raid) {
	if promoted == nil || ro.notif == nil {
		return
	}
	ro.notif.PromotionDM(promoted.UserID, raid)
	ro.log.Debug("substitute promoted",
		logx.Uint64("raid", raid.ID),
		logx.String("user", promoted.UserID))
}

// Join signs a user up: CONFIRMED at the next position while capacity
// remains, SUBSTITUTE with no position once the raid is full.
func (ro *Roster) Join(ctx context.Context, raidID uint64, userID string) error {
	return ro.join(ctx, raidID, userID, storage.RoleDPS)
}

// SetRole updates an existing participant's role in place, or signs the
// user up with the requested role when they are not a participant yet.
func (ro *Roster) SetRole(ctx context.Context, raidID uint64, userID string, role storage.Role) error {
	if !storage.ValidRole(role) {
		return ErrBadRole
	}
	return ro.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := mutationAllowed(r); err != nil {
			return err
		}
		me, err := findParticipant(tx, raidID, userID)
		if err != nil {
			return err
		}
		if me == nil {
			return upsertJoin(tx, raidID, userID, role)
		}
		return tx.Model(&storage.RaidParticipant{}).
			Where("id = ?", me.ID).
			Update("role", role).Error
	})
}

func (ro *Roster) join(ctx context.Context, raidID uint64, userID string, role storage.Role) error {
	return ro.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := mutationAllowed(r); err != nil {
			return err
		}
		return upsertJoin(tx, raidID, userID, role)
	})
}

func upsertJoin(tx *gorm.DB, raidID uint64, userID string, role storage.Role) error {
	count, err := titularCount(tx, raidID)
	if err != nil {
		return err
	}
	me, err := findParticipant(tx, raidID, userID)
	if err != nil {
		return err
	}

	if count >= MaxPlayers {
		// Full: sign up (or move) as substitute.
		if me == nil {
			p := storage.RaidParticipant{
				RaidID: raidID, UserID: userID,
				Role: role, Status: storage.PartSubstitute,
			}
			return tx.Create(&p).Error
		}
		return tx.Model(&storage.RaidParticipant{}).
			Where("id = ?", me.ID).
			Updates(map[string]any{"status": storage.PartSubstitute, "position": nil}).Error
	}

	max, err := maxPosition(tx, raidID)
	if err != nil {
		return err
	}
	pos := max + 1
	now := time.Now().UTC()
	if me == nil {
		p := storage.RaidParticipant{
			RaidID: raidID, UserID: userID,
			Role: role, Status: storage.PartConfirmed,
			Position: &pos, ConfirmedAt: &now,
		}
		return tx.Create(&p).Error
	}
	return tx.Model(&storage.RaidParticipant{}).
		Where("id = ?", me.ID).
		Updates(map[string]any{
			"status":       storage.PartConfirmed,
			"position":     pos,
			"confirmed_at": now,
		}).Error
}

// MarkSubstitute moves a user to the substitute bench. If they held a
// titular slot, the longest-waiting substitute is promoted into it.
func (ro *Roster) MarkSubstitute(ctx context.Context, raidID uint64, userID string) error {
	var promoted *storage.RaidParticipant
	var raid storage.Raid

	err := ro.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		raid = r
		if err := mutationAllowed(r); err != nil {
			return err
		}

		me, err := findParticipant(tx, raidID, userID)
		if err != nil {
			return err
		}
		wasTitular := me != nil && me.Titular()

		if me == nil {
			p := storage.RaidParticipant{
				RaidID: raidID, UserID: userID,
				Role: storage.RoleDPS, Status: storage.PartSubstitute,
			}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		} else {
			err := tx.Model(&storage.RaidParticipant{}).
				Where("id = ?", me.ID).
				Updates(map[string]any{"status": storage.PartSubstitute, "position": nil}).Error
			if err != nil {
				return err
			}
		}

		if wasTitular {
			promoted, err = promoteFirstSubstitute(tx, raidID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	ro.notifyPromotion(promoted, raid)
	return nil
}

// MarkLate flags a titular participant as running late. The participant
// keeps their slot and position.
func (ro *Roster) MarkLate(ctx context.Context, raidID uint64, userID string) error {
	return ro.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := mutationAllowed(r); err != nil {
			return err
		}
		me, err := findParticipant(tx, raidID, userID)
		if err != nil {
			return err
		}
		if me == nil {
			return ErrNotParticipant
		}
		// Only a slot holder can be late; a substitute has nothing to be
		// late for, and LATE must keep a position.
		if !me.Titular() {
			return ErrNotTitular
		}
		return tx.Model(&storage.RaidParticipant{}).
			Where("id = ?", me.ID).
			Update("status", storage.PartLate).Error
	})
}

// MarkAbsent flags a participant as absent, freeing their slot and
// promoting the longest-waiting substitute if they were titular.
func (ro *Roster) MarkAbsent(ctx context.Context, raidID uint64, userID string) error {
	var promoted *storage.RaidParticipant
	var raid storage.Raid

	err := ro.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		raid = r
		if err := mutationAllowed(r); err != nil {
			return err
		}
		me, err := findParticipant(tx, raidID, userID)
		if err != nil {
			return err
		}
		if me == nil {
			return ErrNotParticipant
		}
		wasTitular := me.Titular()

		err = tx.Model(&storage.RaidParticipant{}).
			Where("id = ?", me.ID).
			Updates(map[string]any{"status": storage.PartAbsent, "position": nil}).Error
		if err != nil {
			return err
		}
		if wasTitular {
			promoted, err = promoteFirstSubstitute(tx, raidID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	ro.notifyPromotion(promoted, raid)
	return nil
}

// Leave removes the participant row entirely. A freed titular slot goes to
// the longest-waiting substitute.
func (ro *Roster) Leave(ctx context.Context, raidID uint64, userID string) error {
	var promoted *storage.RaidParticipant
	var raid storage.Raid

	err := ro.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		raid = r
		if err := mutationAllowed(r); err != nil {
			return err
		}
		me, err := findParticipant(tx, raidID, userID)
		if err != nil {
			return err
		}
		if me == nil {
			return nil // leaving a raid you never joined is a no-op
		}
		wasTitular := me.Titular()

		if err := tx.Delete(&storage.RaidParticipant{}, me.ID).Error; err != nil {
			return err
		}
		if wasTitular {
			promoted, err = promoteFirstSubstitute(tx, raidID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	ro.notifyPromotion(promoted, raid)
	return nil
}

// Swap exchanges the positions of two titular participants atomically.
// It fails without mutating anything if either user is a substitute,
// absent, or not a participant.
func (ro *Roster) Swap(ctx context.Context, actorID string, raidID uint64, userA, userB string) error {
	return ro.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, ro.authz, r.GroupID, actorID); err != nil {
			return err
		}
		if err := mutationAllowed(r); err != nil {
			return err
		}

		a, err := findParticipant(tx, raidID, userA)
		if err != nil {
			return err
		}
		b, err := findParticipant(tx, raidID, userB)
		if err != nil {
			return err
		}
		if a == nil || b == nil || !a.Titular() || !b.Titular() ||
			a.Position == nil || b.Position == nil {
			return ErrNotTitular
		}

		if err := tx.Model(&storage.RaidParticipant{}).
			Where("id = ?", a.ID).
			Update("position", *b.Position).Error; err != nil {
			return err
		}
		return tx.Model(&storage.RaidParticipant{}).
			Where("id = ?", b.ID).
			Update("position", *a.Position).Error
	})
}
