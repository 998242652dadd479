// Package transport defines the platform-neutral collaborator interfaces
// the core talks to: message delivery, voice-channel management, voice
// presence and role membership. IDs are opaque strings so adapters for
// snowflake-style and numeric-id platforms both fit.
package transport

import "context"

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Messenger posts and edits text on the chat surface. The core decides
// *that* something should be said and *what*; rendering beyond plain text
// lives outside this module.
type Messenger interface {
	// SendText posts into a channel (threadID may be empty) and returns the
	// new message id.
	SendText(ctx context.Context, channelID, threadID, text string, opt *SendOptions) (string, error)
	// EditText replaces the text of an existing message.
	EditText(ctx context.Context, channelID, messageID, text string, opt *SendOptions) error
	// DM sends a direct message to a user.
	DM(ctx context.Context, userID, text string) error
}

// ChannelManager creates and removes voice channels.
type ChannelManager interface {
	// EnsureVoiceChannel returns the id of a voice channel with the given
	// name, creating it if needed. Implementations must be idempotent.
	EnsureVoiceChannel(ctx context.Context, groupID, name string, userLimit int) (string, error)
	DeleteVoiceChannel(ctx context.Context, groupID, channelID string) error
}

// Presence lists users currently connected to a voice channel.
type Presence interface {
	VoiceMembers(ctx context.Context, groupID, channelID string) ([]string, error)
}

// RoleChecker answers membership questions for the authorization gate.
type RoleChecker interface {
	IsAdmin(ctx context.Context, groupID, userID string) (bool, error)
	HasRole(ctx context.Context, groupID, userID, roleID string) (bool, error)
}
