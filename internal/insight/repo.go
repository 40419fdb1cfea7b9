package insight

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// CreateJobWithTasks inserts the job plus one pending task per insight
// type in a single transaction. If another unlock for the same
// (chat, category) is still active, the active_key unique index rejects
// the insert and the existing job is returned instead (created=false).
func (r *Repo) CreateJobWithTasks(ctx context.Context, job *Job, typeIDs []string) (*Job, bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}

		tasks := make([]Task, 0, len(typeIDs))
		for _, typeID := range typeIDs {
			tasks = append(tasks, Task{
				JobID:         job.ID,
				ChatID:        job.ChatID,
				InsightTypeID: typeID,
				Status:        TaskPending,
			})
		}
		// Upsert, not blind insert: a redelivered create must not add rows.
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tasks).Error
	})
	if err == nil {
		return job, true, nil
	}

	existing, findErr := r.FindActiveJob(ctx, job.ChatID, job.CategoryID)
	if findErr == nil {
		return existing, false, nil
	}
	if errors.Is(findErr, ErrJobNotFound) {
		return nil, false, err
	}
	return nil, false, findErr
}

func (r *Repo) FindActiveJob(ctx context.Context, chatID, categoryID string) (*Job, error) {
	var j Job
	key := ActiveKey(chatID, categoryID)
	if err := r.db.WithContext(ctx).Where("active_key = ?", key).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	var tasks []Task
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *Repo) GetTask(ctx context.Context, jobID, typeID string) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND insight_type_id = ?", jobID, typeID).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkJobRunning claims the queued job for execution. Returns false when
// the job is already running or terminal (redelivery, cancellation).
func (r *Repo) MarkJobRunning(ctx context.Context, jobID string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobQueued).
		Updates(map[string]any{
			"status":     JobRunning,
			"started_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) MarkTaskRunning(ctx context.Context, taskID uint64) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", taskID, TaskPending).
		Update("status", TaskRunning).Error
}

// CompleteTask writes the terminal success state. The status guard makes
// the write exactly-once: a concurrent or redelivered run of the same
// task sees zero rows affected and must not touch the counters.
func (r *Repo) CompleteTask(ctx context.Context, taskID uint64, content datatypes.JSON, tokens int, genMS int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", taskID, []TaskStatus{TaskPending, TaskRunning}).
		Updates(map[string]any{
			"status":             TaskCompleted,
			"content":            content,
			"error_reason":       nil,
			"tokens_used":        tokens,
			"generation_time_ms": genMS,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) FailTask(ctx context.Context, taskID uint64, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", taskID, []TaskStatus{TaskPending, TaskRunning}).
		Updates(map[string]any{
			"status":       TaskFailed,
			"error_reason": reason,
		})
	return res.RowsAffected > 0, res.Error
}

// FailPendingTasks fails every non-terminal task of the job in one
// statement and bumps failed_count by the number of rows it actually
// flipped. Used for context-extraction failure and cancellation.
func (r *Repo) FailPendingTasks(ctx context.Context, jobID, reason string) (int, error) {
	var flipped int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("job_id = ? AND status IN ?", jobID, []TaskStatus{TaskPending, TaskRunning}).
			Updates(map[string]any{
				"status":       TaskFailed,
				"error_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		flipped = res.RowsAffected
		if flipped == 0 {
			return nil
		}
		return tx.Model(&Job{}).
			Where("id = ?", jobID).
			Update("failed_count", gorm.Expr("failed_count + ?", flipped)).Error
	})
	return int(flipped), err
}

// BumpCounters applies one task outcome to the job row with an atomic
// SQL increment (never read-modify-write) and reports whether the batch
// is now complete. Under concurrent completions more than one caller may
// observe done=true; the finalization CAS downstream tolerates that.
func (r *Repo) BumpCounters(ctx context.Context, jobID string, completed bool, tokens int) (done bool, err error) {
	var j Job
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"total_tokens_used": gorm.Expr("total_tokens_used + ?", tokens),
		}
		if completed {
			updates["completed_count"] = gorm.Expr("completed_count + 1")
		} else {
			updates["failed_count"] = gorm.Expr("failed_count + 1")
		}
		if err := tx.Model(&Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&j, "id = ?", jobID).Error
	})
	if err != nil {
		return false, err
	}
	return j.CompletedCount+j.FailedCount >= j.TotalInsights, nil
}

// FinalizeJob is the exactly-once gate for the whole batch: only the
// caller whose CAS flips the job out of a non-terminal status wins and
// gets to reconcile credits. It also clears active_key so a new unlock
// for the pair becomes possible.
func (r *Repo) FinalizeJob(ctx context.Context, jobID string, status JobStatus) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{JobQueued, JobRunning}).
		Updates(map[string]any{
			"status":       status,
			"completed_at": now,
			"active_key":   nil,
		})
	return res.RowsAffected > 0, res.Error
}
