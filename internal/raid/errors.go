package raid

import "errors"

var (
	ErrRaidNotFound = errors.New("raid not found")

	// ErrRosterLocked rejects roster mutations while the lock flag is set.
	ErrRosterLocked = errors.New("roster is locked")

	// ErrRaidNotOpen rejects roster mutations once the raid left PLANNED.
	ErrRaidNotOpen = errors.New("raid is not open for roster changes")

	// ErrRaidClosed rejects lifecycle changes on DONE or CANCELLED raids.
	ErrRaidClosed = errors.New("raid is already closed")

	ErrAlreadyDone      = errors.New("raid is already done")
	ErrAlreadyCancelled = errors.New("raid is already cancelled")

	ErrNotParticipant = errors.New("user is not a participant")

	// ErrNotTitular rejects swap/late on users without a capacity slot.
	ErrNotTitular = errors.New("user is not a titular participant")

	ErrNotAuthorized = errors.New("user may not manage raids in this group")

	ErrBadRole = errors.New("unknown role")
	ErrBadDate = errors.New("invalid date, expected dd/mm/yyyy hh:mm")
)
