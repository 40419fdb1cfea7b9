package insight

import (
	"context"
	"errors"
	"log"
	"sync"
)

// JobQueue hands a created job to the background worker.
type JobQueue interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Service is the job manager: it owns job lifecycle and bookkeeping and
// delegates the expensive steps to the extractor and task runner.
type Service struct {
	repo        *Repo
	ledger      CreditLedger
	queue       JobQueue
	extractor   *Extractor
	runner      *TaskRunner
	agg         *Aggregator
	concurrency int
}

func NewService(repo *Repo, ledger CreditLedger, queue JobQueue, extractor *Extractor, runner *TaskRunner, agg *Aggregator, concurrency int) *Service {
	if concurrency <= 0 || concurrency > 50 {
		concurrency = 6
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		queue:       queue,
		extractor:   extractor,
		runner:      runner,
		agg:         agg,
		concurrency: concurrency,
	}
}

// CreateJob accepts an unlock whose coins are already reserved. It is
// idempotent for a (chat, category) pair: while a previous unlock is
// still non-terminal the existing job comes back, the fresh reservation
// is returned in full, and no duplicate task rows appear.
func (s *Service) CreateJob(ctx context.Context, userID uint64, chatID, categoryID string, typeIDs []string, reservationID string, reservedCoins int64) (*Job, bool, error) {
	if len(typeIDs) == 0 {
		return nil, false, ErrNoInsightTypes
	}
	for _, typeID := range typeIDs {
		if _, err := TypeByID(categoryID, typeID); err != nil {
			return nil, false, err
		}
	}

	jobID, err := NewJobID()
	if err != nil {
		return nil, false, err
	}

	key := ActiveKey(chatID, categoryID)
	job := &Job{
		ID:            jobID,
		UserID:        userID,
		ChatID:        chatID,
		CategoryID:    categoryID,
		ActiveKey:     &key,
		Status:        JobQueued,
		TotalInsights: len(typeIDs),
		ReservationID: reservationID,
		ReservedCoins: reservedCoins,
	}

	created, existing, err := s.createOrReuse(ctx, job, typeIDs)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// duplicate unlock: the caller keeps the earlier job, the coins
		// reserved for this attempt go straight back
		if err := s.ledger.Refund(ctx, reservationID, reservedCoins); err != nil {
			log.Printf("duplicate unlock refund failed reservation=%s err=%v", reservationID, err)
		}
		return existing, false, nil
	}

	if s.queue != nil {
		if err := s.queue.PublishJob(ctx, job.ID); err != nil {
			// the job can never run; undo it entirely
			if cerr := s.Cancel(ctx, job.ID); cerr != nil {
				log.Printf("cancel after publish failure job=%s err=%v", job.ID, cerr)
			}
			return nil, false, err
		}
	}
	return job, true, nil
}

func (s *Service) createOrReuse(ctx context.Context, job *Job, typeIDs []string) (bool, *Job, error) {
	j, created, err := s.repo.CreateJobWithTasks(ctx, job, typeIDs)
	if err != nil {
		return false, nil, err
	}
	return created, j, nil
}

// ActiveJob returns the non-terminal job for a (chat, category) pair,
// or ErrJobNotFound.
func (s *Service) ActiveJob(ctx context.Context, chatID, categoryID string) (*Job, error) {
	return s.repo.FindActiveJob(ctx, chatID, categoryID)
}

// GetStatus returns the polling snapshot: latest committed counters and
// the per-task content/error split. Never blocks on running tasks.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.repo.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := TaskView{
			InsightTypeID:    t.InsightTypeID,
			Status:           t.Status,
			ErrorReason:      t.ErrorReason,
			TokensUsed:       t.TokensUsed,
			GenerationTimeMS: t.GenerationTimeMS,
		}
		if t.Status == TaskCompleted {
			v.Content = t.Content
		}
		views = append(views, v)
	}

	return &Snapshot{
		JobID:           job.ID,
		ChatID:          job.ChatID,
		CategoryID:      job.CategoryID,
		Status:          job.Status,
		TotalInsights:   job.TotalInsights,
		CompletedCount:  job.CompletedCount,
		FailedCount:     job.FailedCount,
		TotalTokensUsed: job.TotalTokensUsed,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Tasks:           views,
	}, nil
}

// Cancel is best-effort: it settles the job as failed, fails whatever
// has not finished, and returns the full reservation. Generation calls
// already in flight run to completion but can no longer affect billing
// or the job status (the finalize CAS has already been won here).
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	won, err := s.repo.FinalizeJob(ctx, jobID, JobFailed)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if _, err := s.repo.FailPendingTasks(ctx, jobID, ReasonCanceled); err != nil {
		return err
	}
	return s.ledger.Refund(ctx, job.ReservationID, job.ReservedCoins)
}

// RunJob is the worker entry point: one-shot context extraction, then a
// bounded fan-out of generation tasks. Safe under at-least-once
// delivery; already-terminal tasks are skipped and a redelivery after a
// crash between the last task and finalization still settles the job.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if _, err := s.repo.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}

	if _, err := s.extractor.SharedContext(ctx, job.ID, job.ChatID, job.CategoryID); err != nil {
		if errors.Is(err, ErrContextUnavailable) {
			if _, ferr := s.repo.FailPendingTasks(ctx, jobID, ReasonContextUnavailable); ferr != nil {
				return ferr
			}
			return s.agg.Finalize(ctx, jobID)
		}
		return err
	}

	tasks, err := s.repo.ListTasks(ctx, jobID)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(typeID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.runner.Run(ctx, job, typeID); err != nil {
				log.Printf("task run error job=%s type=%s err=%v", job.ID, typeID, err)
			}
		}(t.InsightTypeID)
	}
	wg.Wait()

	// crash recovery: every task terminal but the batch never settled
	refreshed, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !refreshed.Status.Terminal() && refreshed.CompletedCount+refreshed.FailedCount >= refreshed.TotalInsights {
		return s.agg.Finalize(ctx, jobID)
	}
	return nil
}
