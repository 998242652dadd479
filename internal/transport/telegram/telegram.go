// Package telegram adapts the transport interfaces onto the Telegram Bot
// API via telebot. Only the outgoing half (Messenger, log sink) is
// implemented: this bot never long-polls for updates, command routing is
// handled elsewhere.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"raidbot/internal/transport"
	logx "raidbot/pkg/logx"
)

type Config struct {
	Token   string
	Timeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

var _ transport.Messenger = (*Adapter)(nil)
var _ transport.RoleChecker = (*Adapter)(nil)
var _ logx.ChatSender = (*Adapter)(nil)

func (a *Adapter) SendText(ctx context.Context, channelID, threadID, text string, opt *transport.SendOptions) (string, error) {
	chatID, err := parseID("channel", channelID)
	if err != nil {
		return "", err
	}
	so := sendOptions(opt)
	if threadID != "" {
		tid, err := strconv.Atoi(threadID)
		if err != nil {
			return "", fmt.Errorf("thread id %q: %w", threadID, err)
		}
		so.ThreadID = tid
	}
	msg, err := a.bot.Send(tele.ChatID(chatID), text, so)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}

func (a *Adapter) EditText(ctx context.Context, channelID, messageID, text string, opt *transport.SendOptions) error {
	chatID, err := parseID("channel", channelID)
	if err != nil {
		return err
	}
	ref := &tele.StoredMessage{MessageID: messageID, ChatID: chatID}
	_, err = a.bot.Edit(ref, text, sendOptions(opt))
	return err
}

func (a *Adapter) DM(ctx context.Context, userID, text string) error {
	id, err := parseID("user", userID)
	if err != nil {
		return err
	}
	_, err = a.bot.Send(tele.ChatID(id), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// IsAdmin reports whether the user owns or administers the chat.
func (a *Adapter) IsAdmin(ctx context.Context, groupID, userID string) (bool, error) {
	chatID, err := parseID("channel", groupID)
	if err != nil {
		return false, err
	}
	uid, err := parseID("user", userID)
	if err != nil {
		return false, err
	}
	m, err := a.bot.ChatMemberOf(tele.ChatID(chatID), &tele.User{ID: uid})
	if err != nil {
		return false, err
	}
	return m.Role == tele.Creator || m.Role == tele.Administrator, nil
}

// HasRole always reports false: Telegram has no custom role system, so
// only chat admins pass the management gate here.
func (a *Adapter) HasRole(ctx context.Context, groupID, userID, roleID string) (bool, error) {
	return false, nil
}

// SendLogLine implements the logx chat sink.
func (a *Adapter) SendLogLine(ctx context.Context, channelID, text string) error {
	_, err := a.SendText(ctx, channelID, "", text, &transport.SendOptions{DisablePreview: true})
	return err
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	return so
}

func parseID(what, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram %s id %q: %w", what, raw, err)
	}
	return id, nil
}
