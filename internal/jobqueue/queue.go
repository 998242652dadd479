package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"raidbot/internal/storage"
	logx "raidbot/pkg/logx"
)

// supersedeScanLimit bounds how many candidate rows a Supersede call
// inspects. Pending jobs per kind stay tiny in practice; the limit is a
// safety net against a runaway table scan.
const supersedeScanLimit = 200

// Queue persists jobs. It does not execute them; see Poller.
type Queue struct {
	db  *gorm.DB
	log logx.Logger
}

func New(db *gorm.DB, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{db: db, log: log}
}

// Enqueue persists a new job. No uniqueness is enforced beyond caller
// discipline; use Supersede first when replacing jobs for the same subject.
func (q *Queue) Enqueue(ctx context.Context, kind string, dueAt time.Time, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	job := storage.Job{Kind: kind, DueAt: dueAt.UTC(), Payload: raw}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		return err
	}
	q.log.Debug("job enqueued",
		logx.String("kind", kind),
		logx.Uint64("id", job.ID),
		logx.Time("due_at", job.DueAt))
	return nil
}

// Supersede deletes all not-yet-completed jobs of the given kinds whose
// payload matches the predicate. Returns the number of deleted jobs.
func (q *Queue) Supersede(ctx context.Context, kinds []string, match func(payload json.RawMessage) bool) (int64, error) {
	var candidates []storage.Job
	err := q.db.WithContext(ctx).
		Select("id", "kind", "payload").
		Where("done_at IS NULL AND kind IN ?", kinds).
		Limit(supersedeScanLimit).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	var ids []uint64
	for _, j := range candidates {
		if match(j.Payload) {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := q.db.WithContext(ctx).Where("id IN ?", ids).Delete(&storage.Job{})
	if res.Error != nil {
		return 0, res.Error
	}
	q.log.Debug("jobs superseded", logx.Int64("count", res.RowsAffected))
	return res.RowsAffected, nil
}

// Pending returns not-yet-completed jobs of the given kinds matching the
// predicate, ordered by due instant.
func (q *Queue) Pending(ctx context.Context, kinds []string, match func(payload json.RawMessage) bool) ([]storage.Job, error) {
	var jobs []storage.Job
	err := q.db.WithContext(ctx).
		Where("done_at IS NULL AND kind IN ?", kinds).
		Order("due_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	if match == nil {
		return jobs, nil
	}
	out := jobs[:0]
	for _, j := range jobs {
		if match(j.Payload) {
			out = append(out, j)
		}
	}
	return out, nil
}
