package raid

import (
	"encoding/json"
	"time"
)

// Job kinds handled by this package. Payloads are a tagged union keyed by
// kind; each kind decodes into its own typed payload at dispatch time.
const (
	KindReminder15   = "raid_reminder_15"
	KindRaidStart    = "raid_start"
	KindVoiceCleanup = "raid_voice_cleanup"
)

// ReminderLead is how long before the start instant the reminder fires.
const ReminderLead = 15 * time.Minute

// ReminderCatchUp bounds late reminder delivery: a reminder job firing more
// than this long after its theoretical instant is dropped instead of
// spamming a raid that is long underway.
const ReminderCatchUp = 30 * time.Minute

// AutoLockLead is how close to the start instant a PLANNED raid's roster is
// locked automatically by the poll sweep.
const AutoLockLead = 5 * time.Minute

// RaidPayload drives the reminder and start jobs.
type RaidPayload struct {
	RaidID uint64 `json:"raid_id"`
}

// VoiceCleanupPayload drives the voice-cleanup job. It carries the channel
// reference directly so cleanup still works after the raid row moved on.
type VoiceCleanupPayload struct {
	GroupID        string `json:"group_id"`
	VoiceChannelID string `json:"voice_channel_id"`
}

// matchRaidPayload reports whether a stored payload refers to the raid.
func matchRaidPayload(raidID uint64) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var p RaidPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return false
		}
		return p.RaidID == raidID
	}
}
