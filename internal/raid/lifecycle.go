package raid

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"raidbot/internal/jobqueue"
	"raidbot/internal/storage"
	logx "raidbot/pkg/logx"
)

// Lifecycle drives raid-level state: PLANNED → LIVE → DONE, or PLANNED/LIVE
// → CANCELLED, plus the orthogonal roster lock and the time-triggered jobs
// attached to every raid.
type Lifecycle struct {
	db    *gorm.DB
	queue *jobqueue.Queue
	log   logx.Logger
	authz Authorizer
}

func NewLifecycle(db *gorm.DB, queue *jobqueue.Queue, log logx.Logger, authz Authorizer) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{db: db, queue: queue, log: log, authz: authz}
}

type CreateParams struct {
	GroupID   string
	CreatedBy string
	Zone      string
	Notes     string
	StartAt   time.Time
}

// Create persists a PLANNED raid, seeds the creator as the first CONFIRMED
// participant at position 1, and enqueues the reminder and start jobs.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (storage.Raid, error) {
	if err := authorize(ctx, l.authz, p.GroupID, p.CreatedBy); err != nil {
		return storage.Raid{}, err
	}

	var r storage.Raid
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r = storage.Raid{
			GroupID:   p.GroupID,
			CreatedBy: p.CreatedBy,
			Zone:      p.Zone,
			Notes:     p.Notes,
			StartAt:   p.StartAt.UTC(),
			Status:    storage.RaidPlanned,
		}
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		pos := 1
		now := time.Now().UTC()
		creator := storage.RaidParticipant{
			RaidID:      r.ID,
			UserID:      p.CreatedBy,
			Role:        storage.RoleDPS,
			Status:      storage.PartConfirmed,
			Position:    &pos,
			ConfirmedAt: &now,
		}
		return tx.Create(&creator).Error
	})
	if err != nil {
		return storage.Raid{}, err
	}

	if err := l.EnqueueRaidJobs(ctx, r); err != nil {
		return storage.Raid{}, err
	}
	l.log.Info("raid created",
		logx.Uint64("raid", r.ID),
		logx.String("group", r.GroupID),
		logx.Time("start_at", r.StartAt))
	return r, nil
}

// EnqueueRaidJobs supersedes any pending reminder/start jobs for the raid
// and enqueues fresh ones relative to its start instant.
func (l *Lifecycle) EnqueueRaidJobs(ctx context.Context, r storage.Raid) error {
	kinds := []string{KindReminder15, KindRaidStart}
	if _, err := l.queue.Supersede(ctx, kinds, matchRaidPayload(r.ID)); err != nil {
		return err
	}
	payload := RaidPayload{RaidID: r.ID}
	if err := l.queue.Enqueue(ctx, KindReminder15, r.StartAt.Add(-ReminderLead), payload); err != nil {
		return err
	}
	return l.queue.Enqueue(ctx, KindRaidStart, r.StartAt, payload)
}

// Reschedule moves a raid to a new start instant: clears the reminder flag
// and replaces both time-triggered jobs. Illegal on DONE/CANCELLED raids.
func (l *Lifecycle) Reschedule(ctx context.Context, actorID string, raidID uint64, newStart time.Time) (storage.Raid, error) {
	var r storage.Raid
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		r, err = lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, l.authz, r.GroupID, actorID); err != nil {
			return err
		}
		if r.Status == storage.RaidDone || r.Status == storage.RaidCancelled {
			return ErrRaidClosed
		}
		r.StartAt = newStart.UTC()
		r.ReminderSent = false
		return tx.Model(&storage.Raid{}).
			Where("id = ?", raidID).
			Updates(map[string]any{"start_at": r.StartAt, "reminder_sent": false}).Error
	})
	if err != nil {
		return storage.Raid{}, err
	}

	if err := l.EnqueueRaidJobs(ctx, r); err != nil {
		return storage.Raid{}, err
	}
	l.log.Info("raid rescheduled", logx.Uint64("raid", raidID), logx.Time("start_at", r.StartAt))
	return r, nil
}

// Cancel flips a PLANNED or LIVE raid to CANCELLED. Participants are left
// untouched; downstream job handlers check the status and become no-ops.
func (l *Lifecycle) Cancel(ctx context.Context, actorID string, raidID uint64) error {
	var voiceCleanup *VoiceCleanupPayload
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, l.authz, r.GroupID, actorID); err != nil {
			return err
		}
		switch r.Status {
		case storage.RaidDone:
			return ErrAlreadyDone
		case storage.RaidCancelled:
			return ErrAlreadyCancelled
		}
		if r.VoiceChannelID != "" {
			voiceCleanup = &VoiceCleanupPayload{GroupID: r.GroupID, VoiceChannelID: r.VoiceChannelID}
		}
		return tx.Model(&storage.Raid{}).
			Where("id = ?", raidID).
			Update("status", storage.RaidCancelled).Error
	})
	if err != nil {
		return err
	}

	if voiceCleanup != nil {
		_ = l.queue.Enqueue(ctx, KindVoiceCleanup, time.Now().UTC(), *voiceCleanup)
	}
	l.log.Info("raid cancelled", logx.Uint64("raid", raidID))
	return nil
}

// Complete marks a LIVE (or still-PLANNED) raid DONE. Illegal when already
// DONE or CANCELLED.
func (l *Lifecycle) Complete(ctx context.Context, actorID string, raidID uint64) error {
	var voiceCleanup *VoiceCleanupPayload
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, l.authz, r.GroupID, actorID); err != nil {
			return err
		}
		switch r.Status {
		case storage.RaidDone:
			return ErrAlreadyDone
		case storage.RaidCancelled:
			return ErrAlreadyCancelled
		}
		if r.VoiceChannelID != "" {
			voiceCleanup = &VoiceCleanupPayload{GroupID: r.GroupID, VoiceChannelID: r.VoiceChannelID}
		}
		return tx.Model(&storage.Raid{}).
			Where("id = ?", raidID).
			Update("status", storage.RaidDone).Error
	})
	if err != nil {
		return err
	}

	if voiceCleanup != nil {
		_ = l.queue.Enqueue(ctx, KindVoiceCleanup, time.Now().UTC().Add(time.Hour), *voiceCleanup)
	}
	l.log.Info("raid completed", logx.Uint64("raid", raidID))
	return nil
}

// Lock freezes roster mutations. Orthogonal to status.
func (l *Lifecycle) Lock(ctx context.Context, actorID string, raidID uint64) error {
	return l.setLock(ctx, actorID, raidID, true)
}

// Unlock re-allows roster mutations.
func (l *Lifecycle) Unlock(ctx context.Context, actorID string, raidID uint64) error {
	return l.setLock(ctx, actorID, raidID, false)
}

func (l *Lifecycle) setLock(ctx context.Context, actorID string, raidID uint64, locked bool) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, l.authz, r.GroupID, actorID); err != nil {
			return err
		}
		return tx.Model(&storage.Raid{}).
			Where("id = ?", raidID).
			Update("roster_locked", locked).Error
	})
}

// SetPost records where the raid announcement lives (channel + message or
// thread id) once the presentation layer has posted it.
func (l *Lifecycle) SetPost(ctx context.Context, raidID uint64, channelID, messageID string) error {
	res := l.db.WithContext(ctx).Model(&storage.Raid{}).
		Where("id = ?", raidID).
		Updates(map[string]any{"post_channel_id": channelID, "post_message_id": messageID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRaidNotFound
	}
	return nil
}

// Get re-reads one raid.
func (l *Lifecycle) Get(ctx context.Context, raidID uint64) (storage.Raid, error) {
	var r storage.Raid
	err := l.db.WithContext(ctx).Where("id = ?", raidID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r, ErrRaidNotFound
	}
	return r, err
}

// AutoLockSweep locks the roster of every PLANNED, unlocked raid starting
// within the auto-lock lead. Runs before each poll cycle on every instance;
// setting an already-true flag is a no-op, so the sweep is idempotent.
func (l *Lifecycle) AutoLockSweep(ctx context.Context, now time.Time) error {
	res := l.db.WithContext(ctx).Model(&storage.Raid{}).
		Where("status = ? AND roster_locked = ? AND start_at <= ?",
			storage.RaidPlanned, false, now.Add(AutoLockLead)).
		Update("roster_locked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		l.log.Info("rosters auto-locked", logx.Int64("count", res.RowsAffected))
	}
	return nil
}
