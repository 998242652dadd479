package transport

import "context"

// NopMessenger discards everything. Used when no chat platform is
// configured and as a safe default in tests.
type NopMessenger struct{}

func (NopMessenger) SendText(context.Context, string, string, string, *SendOptions) (string, error) {
	return "", nil
}
func (NopMessenger) EditText(context.Context, string, string, string, *SendOptions) error {
	return nil
}
func (NopMessenger) DM(context.Context, string, string) error { return nil }

// NopChannelManager reports no voice support: EnsureVoiceChannel returns an
// empty id, which downstream code treats as "no voice channel available".
type NopChannelManager struct{}

func (NopChannelManager) EnsureVoiceChannel(context.Context, string, string, int) (string, error) {
	return "", nil
}
func (NopChannelManager) DeleteVoiceChannel(context.Context, string, string) error { return nil }

// NopPresence reports empty voice channels.
type NopPresence struct{}

func (NopPresence) VoiceMembers(context.Context, string, string) ([]string, error) {
	return nil, nil
}
