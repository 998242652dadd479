package raid

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"raidbot/internal/storage"
	"raidbot/internal/transport"
	logx "raidbot/pkg/logx"
)

// PointsOnTime is granted to each titular participant present in the raid's
// voice channel at start.
const PointsOnTime = 10

// Awarder grants start-of-raid points exactly once per raid.
type Awarder struct {
	db       *gorm.DB
	presence transport.Presence
	notif    Notifier
	log      logx.Logger
}

func NewAwarder(db *gorm.DB, presence transport.Presence, notif Notifier, log logx.Logger) *Awarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Awarder{db: db, presence: presence, notif: notif, log: log}
}

// Award grants PointsOnTime to every titular (CONFIRMED or LATE) participant
// found in the raid's voice channel. The grant and the idempotency flag
// commit in one transaction, so a crash either awards everything or nothing.
//
// Without a voice channel there is no presence signal: the raid's log channel
// gets a warning and the flag stays unset. A presence lookup failure is
// returned to the caller so the surrounding job retries.
func (a *Awarder) Award(ctx context.Context, raidID uint64) error {
	var r storage.Raid
	if err := a.db.WithContext(ctx).Where("id = ?", raidID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRaidNotFound
		}
		return err
	}
	if r.StartPointsGranted {
		return nil
	}
	if r.VoiceChannelID == "" {
		if a.notif != nil {
			a.notif.Warn(r.GroupID, fmt.Sprintf("raid #%d started without a voice channel, no points awarded", r.ID))
		}
		a.log.Warn("no voice channel at raid start", logx.Uint64("raid", r.ID))
		return nil
	}

	members, err := a.presence.VoiceMembers(ctx, r.GroupID, r.VoiceChannelID)
	if err != nil {
		return fmt.Errorf("voice presence for raid %d: %w", r.ID, err)
	}
	present := make(map[string]struct{}, len(members))
	for _, id := range members {
		present[id] = struct{}{}
	}

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := lockRaid(tx, raidID)
		if err != nil {
			return err
		}
		if fresh.StartPointsGranted {
			return nil
		}

		var parts []storage.RaidParticipant
		if err := tx.Where("raid_id = ? AND status IN ?", raidID,
			[]storage.ParticipantStatus{storage.PartConfirmed, storage.PartLate}).
			Find(&parts).Error; err != nil {
			return err
		}

		granted := 0
		for _, p := range parts {
			if _, ok := present[p.UserID]; !ok {
				continue
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "group_id"}, {Name: "user_id"}},
				DoUpdates: clause.Assignments(map[string]any{"points": gorm.Expr("points + ?", PointsOnTime)}),
			}).Create(&storage.PlayerPoints{
				GroupID: fresh.GroupID,
				UserID:  p.UserID,
				Points:  PointsOnTime,
			}).Error
			if err != nil {
				return err
			}
			granted++
		}

		if err := tx.Model(&storage.Raid{}).
			Where("id = ?", raidID).
			Update("start_points_granted", true).Error; err != nil {
			return err
		}
		a.log.Info("start points granted",
			logx.Uint64("raid", raidID),
			logx.Int("players", granted))
		return nil
	})
}

// LeaderboardEntry is one row of a group's points ranking.
type LeaderboardEntry struct {
	UserID string
	Points int
	Rank   int
}

// Leaderboard returns one page of the group ranking, highest points first,
// ties broken by user id for a stable order.
func (a *Awarder) Leaderboard(ctx context.Context, groupID string, page, size int) ([]LeaderboardEntry, error) {
	if size <= 0 {
		size = 10
	}
	if page < 1 {
		page = 1
	}
	var rows []storage.PlayerPoints
	err := a.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("points DESC, user_id ASC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, len(rows))
	for i, r := range rows {
		out[i] = LeaderboardEntry{UserID: r.UserID, Points: r.Points, Rank: (page-1)*size + i + 1}
	}
	return out, nil
}

// Rank returns one player's entry, or a zero-points entry with rank 0 when
// the player has never been awarded.
func (a *Awarder) Rank(ctx context.Context, groupID, userID string) (LeaderboardEntry, error) {
	var row storage.PlayerPoints
	err := a.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LeaderboardEntry{UserID: userID}, nil
	}
	if err != nil {
		return LeaderboardEntry{}, err
	}
	var ahead int64
	err = a.db.WithContext(ctx).Model(&storage.PlayerPoints{}).
		Where("group_id = ? AND (points > ? OR (points = ? AND user_id < ?))",
			groupID, row.Points, row.Points, userID).
		Count(&ahead).Error
	if err != nil {
		return LeaderboardEntry{}, err
	}
	return LeaderboardEntry{UserID: userID, Points: row.Points, Rank: int(ahead) + 1}, nil
}
