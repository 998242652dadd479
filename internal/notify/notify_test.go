package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidbot/internal/storage"
	"raidbot/internal/transport"
	logx "raidbot/pkg/logx"
)

type recordingMessenger struct {
	mu    sync.Mutex
	dms   []string
	sends []string
	seen  chan struct{}
}

func newRecordingMessenger() *recordingMessenger {
	return &recordingMessenger{seen: make(chan struct{}, 16)}
}

func (r *recordingMessenger) SendText(_ context.Context, channelID, _, text string, _ *transport.SendOptions) (string, error) {
	r.mu.Lock()
	r.sends = append(r.sends, channelID+": "+text)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return "1", nil
}

func (r *recordingMessenger) EditText(context.Context, string, string, string, *transport.SendOptions) error {
	return nil
}

func (r *recordingMessenger) DM(_ context.Context, userID, text string) error {
	r.mu.Lock()
	r.dms = append(r.dms, userID+": "+text)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func awaitDelivery(t *testing.T, msg *recordingMessenger) {
	t.Helper()
	select {
	case <-msg.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("notice was never delivered")
	}
}

func TestPromotionDMDelivered(t *testing.T) {
	db, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	msg := newRecordingMessenger()

	svc := New(Config{RatePerSec: 1000}, msg, db, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	svc.PromotionDM("u1", storage.Raid{Zone: "Dark Hours", StartAt: time.Now().UTC()})
	awaitDelivery(t, msg)

	msg.mu.Lock()
	defer msg.mu.Unlock()
	require.Len(t, msg.dms, 1)
	assert.Contains(t, msg.dms[0], "u1: ")
	assert.Contains(t, msg.dms[0], "Dark Hours")
}

func TestWarnGoesToConfiguredLogChannel(t *testing.T) {
	db, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, storage.SaveSettings(db, storage.GroupSettings{
		GroupID: "g1", Timezone: "UTC", LogChannelID: "log-1",
	}))
	msg := newRecordingMessenger()

	svc := New(Config{RatePerSec: 1000}, msg, db, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	svc.Warn("g1", "raid #7 started without a voice channel")
	awaitDelivery(t, msg)

	msg.mu.Lock()
	defer msg.mu.Unlock()
	require.Len(t, msg.sends, 1)
	assert.Contains(t, msg.sends[0], "log-1: ")
	assert.Contains(t, msg.sends[0], "raid #7")
}

func TestNoticesAfterStopAreDropped(t *testing.T) {
	db, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	msg := newRecordingMessenger()

	svc := New(Config{}, msg, db, logx.Nop())
	svc.Start(context.Background())
	svc.Stop(context.Background())

	// must not panic or block
	svc.PromotionDM("u1", storage.Raid{})
	svc.Warn("g1", "late warning")

	msg.mu.Lock()
	defer msg.mu.Unlock()
	assert.Empty(t, msg.dms)
	assert.Empty(t, msg.sends)
}
