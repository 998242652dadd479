package storage

import "time"

type RaidStatus string

const (
	RaidPlanned   RaidStatus = "PLANNED"
	RaidLive      RaidStatus = "LIVE"
	RaidDone      RaidStatus = "DONE"
	RaidCancelled RaidStatus = "CANCELLED"
)

type Role string

const (
	RoleDPS  Role = "DPS"
	RoleHeal Role = "HEAL"
	RoleTank Role = "TANK"
)

func ValidRole(r Role) bool {
	switch r {
	case RoleDPS, RoleHeal, RoleTank:
		return true
	}
	return false
}

type ParticipantStatus string

const (
	PartConfirmed  ParticipantStatus = "CONFIRMED"
	PartSubstitute ParticipantStatus = "SUBSTITUTE"
	PartLate       ParticipantStatus = "LATE"
	PartAbsent     ParticipantStatus = "ABSENT"
)

// Raid is one scheduled event. Cancellation is a status flip, never a
// row delete.
type Raid struct {
	ID        uint64 `gorm:"primaryKey"`
	GroupID   string `gorm:"index;not null"`
	CreatedBy string `gorm:"not null"`

	Zone  string `gorm:"not null"`
	Notes string

	StartAt time.Time  `gorm:"index;not null"`
	Status  RaidStatus `gorm:"index;not null;default:'PLANNED'"`

	// RosterLocked is orthogonal to Status: a locked PLANNED raid still
	// accepts lifecycle transitions, just no roster mutations.
	RosterLocked bool `gorm:"not null;default:false"`

	ReminderSent       bool `gorm:"not null;default:false"`
	StartPointsGranted bool `gorm:"not null;default:false"`

	PostChannelID  string
	PostMessageID  string
	VoiceChannelID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Titular reports whether the participant occupies a capacity slot.
func (p RaidParticipant) Titular() bool {
	return p.Status == PartConfirmed || p.Status == PartLate
}

// RaidParticipant is one user's membership in one raid. Position is
// non-nil exactly when the participant is titular (CONFIRMED or LATE).
type RaidParticipant struct {
	ID     uint64 `gorm:"primaryKey"`
	RaidID uint64 `gorm:"uniqueIndex:idx_raid_user;not null"`
	UserID string `gorm:"uniqueIndex:idx_raid_user;not null"`

	Role   Role              `gorm:"not null;default:'DPS'"`
	Status ParticipantStatus `gorm:"not null;default:'CONFIRMED'"`

	Position    *int
	ConfirmedAt *time.Time

	// CreatedAt orders substitutes for FIFO promotion.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is one scheduled side-effecting action. A job is eligible for
// execution iff DoneAt is nil, DueAt <= now and the lock is nil or stale.
type Job struct {
	ID   uint64 `gorm:"primaryKey"`
	Kind string `gorm:"index;not null"`

	DueAt   time.Time `gorm:"index;not null"`
	Payload []byte    `gorm:"not null"`

	LockedBy *string
	LockedAt *time.Time `gorm:"index"`
	DoneAt   *time.Time

	Attempts  int `gorm:"not null;default:0"`
	LastError *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlayerPoints accumulates presence points per (group, user). Only the
// points awarder writes to it, and only by incrementing.
type PlayerPoints struct {
	ID      uint64 `gorm:"primaryKey"`
	GroupID string `gorm:"uniqueIndex:idx_group_user;not null"`
	UserID  string `gorm:"uniqueIndex:idx_group_user;not null"`

	Points int `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupSettings holds per-group configuration: timezone for date parsing,
// the channel raids are posted to, the warning/log channel and the role
// allowed to manage raids.
type GroupSettings struct {
	GroupID string `gorm:"primaryKey"`

	Timezone      string `gorm:"not null;default:'Europe/Paris'"`
	RaidChannelID string
	LogChannelID  string
	ManagerRoleID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MigrateModels lists every model AutoMigrate creates.
var MigrateModels = []any{
	&Raid{},
	&RaidParticipant{},
	&Job{},
	&PlayerPoints{},
	&GroupSettings{},
}
