package raid

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"raidbot/internal/jobqueue"
	"raidbot/internal/storage"
	"raidbot/internal/transport"
	logx "raidbot/pkg/logx"
)

type sentMessage struct {
	ChannelID string
	ThreadID  string
	Text      string
}

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []sentMessage
	fail  error
	next  int
	edits []string
}

func (f *fakeMessenger) SendText(_ context.Context, channelID, threadID, text string, _ *transport.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.sent = append(f.sent, sentMessage{channelID, threadID, text})
	f.next++
	return "msg-1", nil
}

func (f *fakeMessenger) EditText(_ context.Context, _, messageID, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMessenger) DM(context.Context, string, string) error { return nil }

type fakeChannels struct {
	created []string
	deleted []string
	fail    error
}

func (f *fakeChannels) EnsureVoiceChannel(_ context.Context, _, name string, _ int) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.created = append(f.created, name)
	return "vc-new", nil
}

func (f *fakeChannels) DeleteVoiceChannel(_ context.Context, _, channelID string) error {
	f.deleted = append(f.deleted, channelID)
	return nil
}

type testHarness struct {
	db    *gorm.DB
	queue *jobqueue.Queue
	msg   *fakeMessenger
	chans *fakeChannels
	notif *fakeNotifier
	h     *handlers
}

func newHarness(t *testing.T, presence transport.Presence) *testHarness {
	t.Helper()
	db := testDB(t)
	q := jobqueue.New(db, logx.Nop())
	msg := &fakeMessenger{}
	chans := &fakeChannels{}
	notif := &fakeNotifier{}
	deps := HandlerDeps{
		DB:       db,
		Queue:    q,
		Msg:      msg,
		Channels: chans,
		Presence: presence,
		Awarder:  NewAwarder(db, presence, notif, logx.Nop()),
		Notifier: notif,
		Log:      logx.Nop(),
	}
	return &testHarness{db: db, queue: q, msg: msg, chans: chans, notif: notif, h: &handlers{deps}}
}

func rawPayload(t *testing.T, raidID uint64) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(RaidPayload{RaidID: raidID})
	require.NoError(t, err)
	return b
}

func TestReminderOpensVoiceAndPings(t *testing.T) {
	th := newHarness(t, fakePresence{})
	r := makeRaid(t, th.db, func(r *storage.Raid) {
		r.StartAt = time.Now().UTC().Add(ReminderLead)
		r.PostChannelID = "chan-1"
		r.PostMessageID = "thread-9"
	})

	require.NoError(t, th.h.reminder(context.Background(), rawPayload(t, r.ID)))

	require.Len(t, th.msg.sent, 1)
	assert.Equal(t, "chan-1", th.msg.sent[0].ChannelID)
	assert.Equal(t, "thread-9", th.msg.sent[0].ThreadID)
	assert.Contains(t, th.msg.sent[0].Text, "15 minutes")
	assert.Len(t, th.chans.created, 1)

	var fresh storage.Raid
	require.NoError(t, th.db.First(&fresh, r.ID).Error)
	assert.True(t, fresh.ReminderSent)
	assert.Equal(t, "vc-new", fresh.VoiceChannelID)

	// re-delivery after the flag is set is silent
	require.NoError(t, th.h.reminder(context.Background(), rawPayload(t, r.ID)))
	assert.Len(t, th.msg.sent, 1)
}

func TestReminderVoiceFailureStillPings(t *testing.T) {
	th := newHarness(t, fakePresence{})
	th.chans.fail = errors.New("no permission")
	r := makeRaid(t, th.db, func(r *storage.Raid) {
		r.StartAt = time.Now().UTC().Add(ReminderLead)
		r.PostChannelID = "chan-1"
	})

	require.NoError(t, th.h.reminder(context.Background(), rawPayload(t, r.ID)))

	require.Len(t, th.msg.sent, 1)
	assert.NotContains(t, th.msg.sent[0].Text, "voice channel now")
	assert.Len(t, th.notif.warns, 1)

	var fresh storage.Raid
	require.NoError(t, th.db.First(&fresh, r.ID).Error)
	assert.True(t, fresh.ReminderSent)
	assert.Empty(t, fresh.VoiceChannelID)
}

func TestReminderPastCatchUpWindowIsSwallowed(t *testing.T) {
	th := newHarness(t, fakePresence{})
	// fired 45 minutes after its due instant, outside the catch-up window
	r := makeRaid(t, th.db, func(r *storage.Raid) {
		r.StartAt = time.Now().UTC().Add(ReminderLead - ReminderCatchUp - 15*time.Minute)
		r.PostChannelID = "chan-1"
	})

	require.NoError(t, th.h.reminder(context.Background(), rawPayload(t, r.ID)))

	assert.Empty(t, th.msg.sent)
	var fresh storage.Raid
	require.NoError(t, th.db.First(&fresh, r.ID).Error)
	assert.True(t, fresh.ReminderSent)
}

func TestReminderIgnoresCancelledAndDeletedRaids(t *testing.T) {
	th := newHarness(t, fakePresence{})
	r := makeRaid(t, th.db, func(r *storage.Raid) { r.Status = storage.RaidCancelled })

	require.NoError(t, th.h.reminder(context.Background(), rawPayload(t, r.ID)))
	require.NoError(t, th.h.reminder(context.Background(), rawPayload(t, 9999)))
	assert.Empty(t, th.msg.sent)
}

func TestStartTransitionsToLiveAndAwards(t *testing.T) {
	th := newHarness(t, fakePresence{members: []string{"u1"}})
	r := makeRaid(t, th.db, func(r *storage.Raid) {
		r.StartAt = time.Now().UTC()
		r.PostChannelID = "chan-1"
		r.VoiceChannelID = "vc-1"
	})
	seedParticipant(t, th.db, r.ID, "u1", storage.PartConfirmed, intp(1))

	require.NoError(t, th.h.start(context.Background(), rawPayload(t, r.ID)))

	var fresh storage.Raid
	require.NoError(t, th.db.First(&fresh, r.ID).Error)
	assert.Equal(t, storage.RaidLive, fresh.Status)
	assert.True(t, fresh.StartPointsGranted)
	assert.Equal(t, PointsOnTime, points(t, th.db, "g1", "u1"))
	require.Len(t, th.msg.sent, 1)
	assert.Contains(t, th.msg.sent[0].Text, "starting now")
}

func TestStartOnCancelledRaidIsNoop(t *testing.T) {
	th := newHarness(t, fakePresence{})
	r := makeRaid(t, th.db, func(r *storage.Raid) { r.Status = storage.RaidCancelled })

	require.NoError(t, th.h.start(context.Background(), rawPayload(t, r.ID)))
	assert.Empty(t, th.msg.sent)

	var fresh storage.Raid
	require.NoError(t, th.db.First(&fresh, r.ID).Error)
	assert.Equal(t, storage.RaidCancelled, fresh.Status)
}

func TestStartRetryAfterAwardFailureDoesNotRepeatMessage(t *testing.T) {
	// first delivery flips the status and announces, then awarding fails;
	// the retried job must award without announcing again
	presence := &flakyPresence{fails: 1, members: []string{"u1"}}
	th := newHarness(t, presence)
	r := makeRaid(t, th.db, func(r *storage.Raid) {
		r.StartAt = time.Now().UTC()
		r.PostChannelID = "chan-1"
		r.VoiceChannelID = "vc-1"
	})
	seedParticipant(t, th.db, r.ID, "u1", storage.PartConfirmed, intp(1))

	err := th.h.start(context.Background(), rawPayload(t, r.ID))
	require.Error(t, err)
	require.Len(t, th.msg.sent, 1)

	require.NoError(t, th.h.start(context.Background(), rawPayload(t, r.ID)))
	assert.Len(t, th.msg.sent, 1)
	assert.Equal(t, PointsOnTime, points(t, th.db, "g1", "u1"))
}

type flakyPresence struct {
	fails   int
	members []string
}

func (f *flakyPresence) VoiceMembers(context.Context, string, string) ([]string, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("transient gateway error")
	}
	return f.members, nil
}

func TestVoiceCleanupWaitsForEmptyChannel(t *testing.T) {
	th := newHarness(t, fakePresence{members: []string{"straggler"}})
	payload, err := json.Marshal(VoiceCleanupPayload{GroupID: "g1", VoiceChannelID: "vc-1"})
	require.NoError(t, err)

	require.NoError(t, th.h.voiceCleanup(context.Background(), payload))
	assert.Empty(t, th.chans.deleted)

	// while occupied the job re-arms itself
	jobs, err := th.queue.Pending(context.Background(), []string{KindVoiceCleanup}, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].DueAt.After(time.Now().UTC().Add(30*time.Minute)))
}

func TestVoiceCleanupDeletesEmptyChannel(t *testing.T) {
	th := newHarness(t, fakePresence{})
	payload, err := json.Marshal(VoiceCleanupPayload{GroupID: "g1", VoiceChannelID: "vc-1"})
	require.NoError(t, err)

	require.NoError(t, th.h.voiceCleanup(context.Background(), payload))
	assert.Equal(t, []string{"vc-1"}, th.chans.deleted)

	jobs, err := th.queue.Pending(context.Background(), []string{KindVoiceCleanup}, nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
