package raid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"raidbot/internal/jobqueue"
	"raidbot/internal/storage"
	"raidbot/internal/transport"
	logx "raidbot/pkg/logx"
)

// voiceRecheck is how long the cleanup handler waits before looking at a
// still-occupied voice channel again.
const voiceRecheck = time.Hour

// HandlerDeps carries everything the raid job handlers touch.
type HandlerDeps struct {
	DB       *gorm.DB
	Queue    *jobqueue.Queue
	Msg      transport.Messenger
	Channels transport.ChannelManager
	Presence transport.Presence
	Awarder  *Awarder
	Notifier Notifier
	Log      logx.Logger
}

// RegisterHandlers wires the raid job kinds into the poller.
func RegisterHandlers(p *jobqueue.Poller, deps HandlerDeps) {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	h := &handlers{deps}
	p.Handle(KindReminder15, h.reminder)
	p.Handle(KindRaidStart, h.start)
	p.Handle(KindVoiceCleanup, h.voiceCleanup)
}

type handlers struct {
	HandlerDeps
}

func (h *handlers) loadRaid(ctx context.Context, payload json.RawMessage) (storage.Raid, error) {
	var p RaidPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return storage.Raid{}, fmt.Errorf("raid payload: %w", err)
	}
	var r storage.Raid
	err := h.DB.WithContext(ctx).Where("id = ?", p.RaidID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Raid{}, ErrRaidNotFound
	}
	return r, err
}

// reminder fires at start−15m: opens the voice channel and pings the raid
// thread. A raid deleted or no longer PLANNED is a silent no-op, and a
// reminder older than the catch-up window is marked sent without pinging
// anyone, so a long outage does not spray stale reminders on recovery.
func (h *handlers) reminder(ctx context.Context, payload json.RawMessage) error {
	r, err := h.loadRaid(ctx, payload)
	if errors.Is(err, ErrRaidNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status != storage.RaidPlanned || r.ReminderSent {
		return nil
	}

	now := time.Now().UTC()
	if now.After(r.StartAt.Add(-ReminderLead).Add(ReminderCatchUp)) {
		h.Log.Warn("reminder past catch-up window, skipping",
			logx.Uint64("raid", r.ID), logx.Time("start_at", r.StartAt))
		return h.markReminded(ctx, r.ID, "")
	}

	voiceID := r.VoiceChannelID
	if voiceID == "" {
		voiceID, err = h.Channels.EnsureVoiceChannel(ctx, r.GroupID,
			fmt.Sprintf("Raid #%d", r.ID), MaxPlayers)
		if err != nil {
			h.Log.Error("voice channel create failed", logx.Uint64("raid", r.ID), logx.Err(err))
			if h.Notifier != nil {
				h.Notifier.Warn(r.GroupID, fmt.Sprintf("could not open a voice channel for raid #%d", r.ID))
			}
			voiceID = ""
		}
	}

	text := fmt.Sprintf("Raid %s starts in 15 minutes, get ready.", r.Zone)
	if voiceID != "" {
		text += " Join the voice channel now to count as present."
	}
	if _, err := h.Msg.SendText(ctx, r.PostChannelID, r.PostMessageID, text, nil); err != nil {
		return fmt.Errorf("reminder for raid %d: %w", r.ID, err)
	}
	return h.markReminded(ctx, r.ID, voiceID)
}

func (h *handlers) markReminded(ctx context.Context, raidID uint64, voiceID string) error {
	updates := map[string]any{"reminder_sent": true}
	if voiceID != "" {
		updates["voice_channel_id"] = voiceID
	}
	return h.DB.WithContext(ctx).Model(&storage.Raid{}).
		Where("id = ?", raidID).Updates(updates).Error
}

// start fires at the start instant: flips PLANNED to LIVE, announces, then
// awards on-time points. An award failure is returned so the job retries;
// the awarder's own flag keeps a retry from paying twice. A raid already
// CANCELLED or DONE is a no-op.
func (h *handlers) start(ctx context.Context, payload json.RawMessage) error {
	r, err := h.loadRaid(ctx, payload)
	if errors.Is(err, ErrRaidNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch r.Status {
	case storage.RaidCancelled, storage.RaidDone:
		return nil
	case storage.RaidPlanned:
		err := h.DB.WithContext(ctx).Model(&storage.Raid{}).
			Where("id = ? AND status = ?", r.ID, storage.RaidPlanned).
			Update("status", storage.RaidLive).Error
		if err != nil {
			return err
		}
		text := fmt.Sprintf("Raid %s is starting now. Good luck.", r.Zone)
		if _, err := h.Msg.SendText(ctx, r.PostChannelID, r.PostMessageID, text, nil); err != nil {
			return fmt.Errorf("start announce for raid %d: %w", r.ID, err)
		}
	}
	return h.Awarder.Award(ctx, r.ID)
}

// voiceCleanup tears down the raid voice channel once it empties out. While
// people are still in it the job re-arms itself for a later look.
func (h *handlers) voiceCleanup(ctx context.Context, payload json.RawMessage) error {
	var p VoiceCleanupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("voice cleanup payload: %w", err)
	}
	members, err := h.Presence.VoiceMembers(ctx, p.GroupID, p.VoiceChannelID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		h.Log.Debug("voice channel still occupied, rescheduling cleanup",
			logx.String("channel", p.VoiceChannelID), logx.Int("members", len(members)))
		return h.Queue.Enqueue(ctx, KindVoiceCleanup, time.Now().UTC().Add(voiceRecheck), p)
	}
	return h.Channels.DeleteVoiceChannel(ctx, p.GroupID, p.VoiceChannelID)
}
