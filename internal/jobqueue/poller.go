package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"raidbot/internal/storage"
	logx "raidbot/pkg/logx"
)

// Handler executes one job. The payload is the raw JSON stored at enqueue
// time; handlers decode it into their own typed payload. A returned error
// reschedules the job with backoff.
type Handler func(ctx context.Context, payload json.RawMessage) error

// SweepFunc runs at the start of every poll cycle, before jobs are fetched.
// Sweeps must be idempotent; they run on every instance.
type SweepFunc func(ctx context.Context, now time.Time) error

type Config struct {
	PollInterval time.Duration // default 20s
	BatchSize    int           // default 10
	LeaseTimeout time.Duration // default 2m
	BackoffStep  time.Duration // default 60s
	BackoffCap   time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	return c
}

// Poller drives due jobs. One Poller per process; several processes may
// poll the same database concurrently.
type Poller struct {
	cfg        Config
	db         *gorm.DB
	log        logx.Logger
	instanceID string

	handlers map[string]Handler
	sweeps   []SweepFunc

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	inTick  atomic.Bool
}

func NewPoller(cfg Config, db *gorm.DB, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:        cfg.withDefaults(),
		db:         db,
		log:        log,
		instanceID: uuid.NewString(),
		handlers:   map[string]Handler{},
	}
}

// Handle registers the handler for a job kind. Must be called before Start.
func (p *Poller) Handle(kind string, h Handler) {
	p.handlers[kind] = h
}

// BeforePoll registers a sweep that runs at the start of each cycle.
// Must be called before Start.
func (p *Poller) BeforePoll(fn SweepFunc) {
	p.sweeps = append(p.sweeps, fn)
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.cron = cron.New()
	p.cron.Schedule(cron.Every(p.cfg.PollInterval), cron.FuncJob(func() {
		// Skip overlapping ticks; a slow batch must not stack up workers.
		if !p.inTick.CompareAndSwap(false, true) {
			return
		}
		defer p.inTick.Store(false)
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("panic in poll tick",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		if err := p.tick(ctx); err != nil {
			p.log.Warn("poll tick error", logx.Err(err))
		}
	}))
	p.cron.Start()
	p.log.Info("poller started",
		logx.String("instance", p.instanceID),
		logx.Duration("interval", p.cfg.PollInterval))
}

func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	if !wasRunning || c == nil {
		return
	}
	done := c.Stop() // waits for in-flight jobs via its context
	select {
	case <-done.Done():
	case <-ctx.Done():
		p.log.Warn("poller stop timed out with a tick still running")
	}
	p.log.Info("poller stopped")
}

// tick runs one full poll cycle: recover stale leases, run sweeps, then
// claim and execute up to BatchSize due jobs. One failing job never blocks
// the rest of the batch.
func (p *Poller) tick(ctx context.Context) error {
	now := time.Now().UTC()

	if err := p.releaseStaleLeases(ctx, now); err != nil {
		return fmt.Errorf("release stale leases: %w", err)
	}

	for _, sweep := range p.sweeps {
		if err := sweep(ctx, now); err != nil {
			p.log.Warn("pre-poll sweep failed", logx.Err(err))
		}
	}

	jobs, err := p.fetchDue(ctx, now)
	if err != nil {
		return fmt.Errorf("fetch due jobs: %w", err)
	}

	for i := range jobs {
		p.runOne(ctx, &jobs[i])
	}
	return nil
}

// releaseStaleLeases frees locks held past the lease timeout with no
// completion. This is the sole crash-recovery mechanism.
func (p *Poller) releaseStaleLeases(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-p.cfg.LeaseTimeout)
	res := p.db.WithContext(ctx).Model(&storage.Job{}).
		Where("locked_at IS NOT NULL AND locked_at < ? AND done_at IS NULL", cutoff).
		Updates(map[string]any{"locked_at": nil, "locked_by": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		p.log.Warn("released stale job leases", logx.Int64("count", res.RowsAffected))
	}
	return nil
}

func (p *Poller) fetchDue(ctx context.Context, now time.Time) ([]storage.Job, error) {
	var jobs []storage.Job
	err := p.db.WithContext(ctx).
		Where("done_at IS NULL AND due_at <= ? AND locked_at IS NULL", now).
		Order("due_at ASC").
		Limit(p.cfg.BatchSize).
		Find(&jobs).Error
	return jobs, err
}

func (p *Poller) runOne(ctx context.Context, job *storage.Job) {
	if !p.claim(ctx, job) {
		// Another instance won the race; skip this cycle.
		return
	}

	err := p.execute(ctx, job)
	if err == nil {
		p.markDone(ctx, job)
		return
	}
	p.reschedule(ctx, job, err)
}

// claim is the optimistic lock: the conditional update succeeds only while
// the lock is still null.
func (p *Poller) claim(ctx context.Context, job *storage.Job) bool {
	now := time.Now().UTC()
	res := p.db.WithContext(ctx).Model(&storage.Job{}).
		Where("id = ? AND locked_at IS NULL", job.ID).
		Updates(map[string]any{"locked_at": now, "locked_by": p.instanceID})
	if res.Error != nil {
		p.log.Warn("job claim failed", logx.Uint64("job", job.ID), logx.Err(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

func (p *Poller) execute(ctx context.Context, job *storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("panic in job handler",
				logx.String("kind", job.Kind),
				logx.Uint64("job", job.ID),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	h, ok := p.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("no handler for kind %q", job.Kind)
	}
	return h(ctx, job.Payload)
}

// markDone sets the completion instant. The lock is left in place; a done
// job is never fetched again.
func (p *Poller) markDone(ctx context.Context, job *storage.Job) {
	now := time.Now().UTC()
	err := p.db.WithContext(ctx).Model(&storage.Job{}).
		Where("id = ?", job.ID).
		Update("done_at", now).Error
	if err != nil {
		// Leave the job locked; the lease expiry will surface it again.
		p.log.Error("mark done failed", logx.Uint64("job", job.ID), logx.Err(err))
		return
	}
	p.log.Debug("job done", logx.String("kind", job.Kind), logx.Uint64("job", job.ID))
}

// reschedule applies the capped linear backoff: due = now +
// min(attempts*step, cap). Jobs are retried indefinitely.
func (p *Poller) reschedule(ctx context.Context, job *storage.Job, cause error) {
	attempts := job.Attempts + 1
	delay := time.Duration(attempts) * p.cfg.BackoffStep
	if delay > p.cfg.BackoffCap {
		delay = p.cfg.BackoffCap
	}
	due := time.Now().UTC().Add(delay)
	msg := cause.Error()

	err := p.db.WithContext(ctx).Model(&storage.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"attempts":   attempts,
			"due_at":     due,
			"last_error": msg,
			"locked_at":  nil,
			"locked_by":  nil,
		}).Error
	if err != nil {
		p.log.Error("job reschedule failed", logx.Uint64("job", job.ID), logx.Err(err))
		return
	}
	p.log.Warn("job failed, rescheduled",
		logx.String("kind", job.Kind),
		logx.Uint64("job", job.ID),
		logx.Int("attempts", attempts),
		logx.Duration("delay", delay),
		logx.String("err", msg))
}
