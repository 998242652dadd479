package raid

import (
	"context"

	"raidbot/internal/storage"
)

// Notifier delivers best-effort notices. Implementations must never block
// long and must swallow delivery failures; callers intentionally discard
// any outcome.
type Notifier interface {
	// PromotionDM tells a user they were promoted to a titular slot.
	PromotionDM(userID string, raid storage.Raid)
	// Warn posts an operator warning to the group's log channel.
	Warn(groupID, text string)
}

// Authorizer answers "may this user manage raids in this group". A nil
// Authorizer allows everything (used by tests and trusted callers).
type Authorizer interface {
	CanManageRaids(ctx context.Context, groupID, userID string) (bool, error)
}

func authorize(ctx context.Context, a Authorizer, groupID, userID string) error {
	if a == nil {
		return nil
	}
	ok, err := a.CanManageRaids(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}
