// Package notify delivers best-effort user notices: promotion DMs and
// operator warnings in group log channels. Delivery is asynchronous behind
// a bounded queue; a full queue drops the notice rather than blocking the
// roster or job paths that emit it.
package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"raidbot/internal/storage"
	"raidbot/internal/transport"
	logx "raidbot/pkg/logx"
)

type Config struct {
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	Workers     int           `yaml:"workers" json:"workers"`
	RatePerSec  float64       `yaml:"rate_per_sec" json:"rate_per_sec"`
	SendTimeout time.Duration `yaml:"-" json:"-"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type notice struct {
	dmUserID string // set for DMs
	groupID  string // set for log-channel warnings
	text     string
}

// Service is the async notice pipeline. Safe for concurrent use.
type Service struct {
	cfg     Config
	msg     transport.Messenger
	db      *gorm.DB
	log     logx.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	accepting bool
	queue     chan notice

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, msg transport.Messenger, db *gorm.DB, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		msg:     msg,
		db:      db,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan notice, s.cfg.QueueSize)
	s.accepting = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notify worker",
						logx.Int("worker", i),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}()
	}
}

// Stop blocks intake, drains in-flight notices best-effort until ctx expires,
// then cancels the workers.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	close(q)
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		cancel()
	case <-done:
		cancel()
	}
}

// PromotionDM tells a user they were promoted off the bench. Fire and
// forget.
func (s *Service) PromotionDM(userID string, raid storage.Raid) {
	s.enqueue(notice{
		dmUserID: userID,
		text: fmt.Sprintf("A slot opened up: you are now confirmed for raid %s on %s (UTC).",
			raid.Zone, raid.StartAt.UTC().Format("02/01 15:04")),
	})
}

// Warn posts an operator warning in the group's log channel, falling back
// to the raid channel when no log channel is configured.
func (s *Service) Warn(groupID, text string) {
	s.enqueue(notice{groupID: groupID, text: text})
}

// enqueue never blocks; the send happens under the mutex so Stop cannot
// close the queue out from under it.
func (s *Service) enqueue(n notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting || s.queue == nil {
		return
	}
	select {
	case s.queue <- n:
	default:
		s.log.Warn("notify queue full, dropping notice",
			logx.String("user", n.dmUserID), logx.String("group", n.groupID))
	}
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for n := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		if err := s.limiter.Wait(runCtx); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(runCtx, s.cfg.SendTimeout)
		s.deliver(ctx, n)
		cancel()
	}
}

func (s *Service) deliver(ctx context.Context, n notice) {
	var err error
	switch {
	case n.dmUserID != "":
		err = s.msg.DM(ctx, n.dmUserID, n.text)
	case n.groupID != "":
		set, serr := storage.Settings(s.db, n.groupID)
		if serr != nil {
			err = serr
			break
		}
		target := set.LogChannelID
		if target == "" {
			target = set.RaidChannelID
		}
		if target == "" {
			s.log.Debug("no log channel configured, dropping warning",
				logx.String("group", n.groupID))
			return
		}
		_, err = s.msg.SendText(ctx, target, "", "⚠️ "+n.text, &transport.SendOptions{DisablePreview: true})
	default:
		return
	}
	if err != nil {
		s.log.Warn("notice delivery failed",
			logx.String("user", n.dmUserID),
			logx.String("group", n.groupID),
			logx.Err(err))
	}
}
