package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/chatlens/chatlens/internal/ai"
	"github.com/chatlens/chatlens/internal/chat"
	"github.com/chatlens/chatlens/internal/ledger"
	"github.com/chatlens/chatlens/internal/retrieval"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:insight_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// one connection serializes sqlite access under concurrent goroutines
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(
		&chat.Chat{}, &chat.Participant{},
		&ledger.Wallet{}, &ledger.Reservation{},
		&Job{}, &Task{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return gdb
}

type fakeSearcher struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (s *fakeSearcher) Search(ctx context.Context, chatID, query string, limit int) ([]retrieval.Excerpt, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return []retrieval.Excerpt{
		{Text: "A: see you at eight", Score: 0.91},
		{Text: "B: can't wait!!", Score: 0.88},
	}, nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemCache() *memCache { return &memCache{m: make(map[string]string)} }

func (c *memCache) SetContext(ctx context.Context, jobID, blob string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[jobID] = blob
	return nil
}

func (c *memCache) GetContext(ctx context.Context, jobID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[jobID], nil
}

// fakeProvider succeeds instantly unless the prompt matches a hang
// marker, in which case it blocks until the per-task deadline fires.
type fakeProvider struct {
	hangOn []string
}

func (p *fakeProvider) Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResult, error) {
	for _, marker := range p.hangOn {
		if strings.Contains(req.Prompt, marker) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return &ai.GenerateResult{
		Content:    json.RawMessage(`{"summary":"ok"}`),
		TokensUsed: 7,
	}, nil
}

type recordingLedger struct {
	*ledger.Ledger
	mu      sync.Mutex
	charges int
	refunds []int64
}

func (l *recordingLedger) Charge(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	l.charges++
	l.mu.Unlock()
	return l.Ledger.Charge(ctx, reservationID)
}

func (l *recordingLedger) Refund(ctx context.Context, reservationID string, coins int64) error {
	l.mu.Lock()
	l.refunds = append(l.refunds, coins)
	l.mu.Unlock()
	return l.Ledger.Refund(ctx, reservationID, coins)
}

type env struct {
	db       *gorm.DB
	repo     *Repo
	chats    *chat.Repo
	ledger   *recordingLedger
	searcher *fakeSearcher
	cache    *memCache
	svc      *Service
	runner   *TaskRunner
	agg      *Aggregator
	userID   uint64
	chatID   string
}

type envOpts struct {
	searchErr  error
	hangOn     []string
	genTimeout time.Duration
}

func newEnv(t *testing.T, opts envOpts) *env {
	t.Helper()
	gdb := openTestDB(t)

	chats := chat.NewRepo(gdb)
	chatID, err := chat.NewChatID()
	if err != nil {
		t.Fatalf("chat id: %v", err)
	}
	c := &chat.Chat{ChatID: chatID, UserID: 1, Title: "us", Platform: "whatsapp", MessageCount: 1200}
	if err := chats.CreateChat(context.Background(), c, []chat.Participant{
		{Name: "Alex", IsSelf: true},
		{Name: "Sam"},
	}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	lgr := &recordingLedger{Ledger: ledger.New(gdb)}
	if err := lgr.TopUp(context.Background(), 1, 100); err != nil {
		t.Fatalf("topup: %v", err)
	}

	searcher := &fakeSearcher{err: opts.searchErr}
	cache := newMemCache()
	repo := NewRepo(gdb)
	extractor := NewExtractor(searcher, cache, 12, time.Minute)
	agg := NewAggregator(repo, lgr, ProRataRefund{})

	reg := ai.NewRegistry()
	prov := &fakeProvider{hangOn: opts.hangOn}
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	timeout := opts.genTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	runner := NewTaskRunner(repo, chats, extractor, reg, agg, "fake", "", timeout)
	svc := NewService(repo, lgr, nil, extractor, runner, agg, 6)

	return &env{
		db:       gdb,
		repo:     repo,
		chats:    chats,
		ledger:   lgr,
		searcher: searcher,
		cache:    cache,
		svc:      svc,
		runner:   runner,
		agg:      agg,
		userID:   1,
		chatID:   chatID,
	}
}

func allTypeIDs(t *testing.T) []string {
	t.Helper()
	types, err := TypesForCategory("relationship")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	ids := make([]string, 0, len(types))
	for _, typ := range types {
		ids = append(ids, typ.ID)
	}
	return ids
}

func (e *env) unlock(t *testing.T) *Job {
	t.Helper()
	ids := allTypeIDs(t)
	price := int64(len(ids)) * 5
	res, err := e.ledger.Reserve(context.Background(), e.userID, price)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	job, created, err := e.svc.CreateJob(context.Background(), e.userID, e.chatID, "relationship", ids, res.ID, res.Coins)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh job")
	}
	return job
}

func TestUnlockAllSucceed(t *testing.T) {
	e := newEnv(t, envOpts{})
	job := e.unlock(t)

	if err := e.svc.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}

	snap, err := e.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if snap.Status != JobCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if snap.CompletedCount != 6 || snap.FailedCount != 0 {
		t.Fatalf("unexpected counters: completed=%d failed=%d", snap.CompletedCount, snap.FailedCount)
	}
	if snap.TotalTokensUsed != 42 {
		t.Fatalf("expected 42 tokens, got %d", snap.TotalTokensUsed)
	}
	for _, task := range snap.Tasks {
		if task.Status != TaskCompleted || len(task.Content) == 0 {
			t.Fatalf("task %s not completed with content", task.InsightTypeID)
		}
	}

	if e.ledger.charges != 1 {
		t.Fatalf("expected exactly one charge, got %d", e.ledger.charges)
	}
	if len(e.ledger.refunds) != 0 {
		t.Fatalf("expected no refunds, got %v", e.ledger.refunds)
	}

	res, err := e.ledger.Get(context.Background(), job.ReservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.Status != ledger.ReservationCharged {
		t.Fatalf("expected charged reservation, got %s", res.Status)
	}

	// the retrieval service was called exactly once for the whole batch
	if n := e.searcher.calls.Load(); n != 1 {
		t.Fatalf("expected 1 search call, got %d", n)
	}
}

func TestRetrievalFailureFailsWholeJob(t *testing.T) {
	e := newEnv(t, envOpts{searchErr: fmt.Errorf("index down")})
	job := e.unlock(t)

	if err := e.svc.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}

	snap, err := e.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if snap.Status != JobFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if snap.FailedCount != 6 {
		t.Fatalf("expected 6 failed tasks, got %d", snap.FailedCount)
	}
	for _, task := range snap.Tasks {
		if task.Status != TaskFailed || task.ErrorReason == nil || *task.ErrorReason != ReasonContextUnavailable {
			t.Fatalf("task %s: expected context_unavailable failure", task.InsightTypeID)
		}
	}

	// full refund: the wallet is whole again
	balance, err := e.ledger.Balance(context.Background(), e.userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100 after full refund, got %d", balance)
	}
	if e.ledger.charges != 0 {
		t.Fatalf("expected no charge, got %d", e.ledger.charges)
	}
}

func TestPartialFailureProRataRefund(t *testing.T) {
	// two of six insight types hit the generation deadline
	e := newEnv(t, envOpts{
		hangOn:     []string{"memorable", "balanced"},
		genTimeout: 50 * time.Millisecond,
	})
	job := e.unlock(t)

	if err := e.svc.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}

	snap, err := e.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if snap.Status != JobPartialFailure {
		t.Fatalf("expected partial_failure, got %s", snap.Status)
	}
	if snap.CompletedCount != 4 || snap.FailedCount != 2 {
		t.Fatalf("unexpected counters: completed=%d failed=%d", snap.CompletedCount, snap.FailedCount)
	}

	var withContent, timedOut int
	for _, task := range snap.Tasks {
		switch task.Status {
		case TaskCompleted:
			if len(task.Content) == 0 {
				t.Fatalf("completed task %s has no content", task.InsightTypeID)
			}
			withContent++
		case TaskFailed:
			if task.ErrorReason == nil || *task.ErrorReason != ReasonTimeout {
				t.Fatalf("failed task %s: expected timeout reason", task.InsightTypeID)
			}
			timedOut++
		default:
			t.Fatalf("task %s left non-terminal: %s", task.InsightTypeID, task.Status)
		}
	}
	if withContent != 4 || timedOut != 2 {
		t.Fatalf("expected 4 completed / 2 timed out, got %d/%d", withContent, timedOut)
	}

	// price 30, 2/6 failed -> 10 coins back
	if len(e.ledger.refunds) != 1 || e.ledger.refunds[0] != 10 {
		t.Fatalf("expected one refund of 10, got %v", e.ledger.refunds)
	}
	balance, err := e.ledger.Balance(context.Background(), e.userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 80 {
		t.Fatalf("expected balance 80, got %d", balance)
	}
}

func TestCreateJobIdempotent(t *testing.T) {
	e := newEnv(t, envOpts{})
	job := e.unlock(t)

	ids := allTypeIDs(t)
	res2, err := e.ledger.Reserve(context.Background(), e.userID, 30)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	job2, created, err := e.svc.CreateJob(context.Background(), e.userID, e.chatID, "relationship", ids, res2.ID, res2.Coins)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("expected reuse of the active job")
	}
	if job2.ID != job.ID {
		t.Fatalf("expected same job id, got %s vs %s", job2.ID, job.ID)
	}

	var jobCount, taskCount int64
	if err := e.db.Model(&Job{}).Count(&jobCount).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if err := e.db.Model(&Task{}).Count(&taskCount).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if jobCount != 1 || taskCount != 6 {
		t.Fatalf("expected 1 job / 6 tasks, got %d/%d", jobCount, taskCount)
	}

	// the duplicate attempt's coins came straight back
	balance, err := e.ledger.Balance(context.Background(), e.userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 70 {
		t.Fatalf("expected balance 70 (one live reservation), got %d", balance)
	}
}

func TestCreateJobRace(t *testing.T) {
	e := newEnv(t, envOpts{})
	ids := allTypeIDs(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ledger.Reserve(context.Background(), e.userID, 30)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if _, _, err := e.svc.CreateJob(context.Background(), e.userID, e.chatID, "relationship", ids, res.ID, res.Coins); err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()

	var jobCount, taskCount int64
	if err := e.db.Model(&Job{}).Count(&jobCount).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if err := e.db.Model(&Task{}).Count(&taskCount).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if jobCount != 1 || taskCount != 6 {
		t.Fatalf("expected 1 job / 6 tasks after race, got %d/%d", jobCount, taskCount)
	}

	// exactly one reservation stays live
	balance, err := e.ledger.Balance(context.Background(), e.userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 70 {
		t.Fatalf("expected balance 70, got %d", balance)
	}
}

func TestRerunCompletedTaskIsNoop(t *testing.T) {
	e := newEnv(t, envOpts{})
	job := e.unlock(t)

	if err := e.svc.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}

	before, err := e.repo.GetTask(context.Background(), job.ID, "emotional_tone")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if before.Status != TaskCompleted {
		t.Fatalf("fixture: task not completed")
	}

	// redelivery of a finished task must not recompute or touch counters
	fresh, err := e.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if err := e.runner.Run(context.Background(), fresh, "emotional_tone"); err != nil {
		t.Fatalf("rerun: %v", err)
	}

	after, err := e.repo.GetTask(context.Background(), job.ID, "emotional_tone")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != TaskCompleted || string(after.Content) != string(before.Content) {
		t.Fatalf("task changed on rerun: status=%s", after.Status)
	}

	j, err := e.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.CompletedCount != 6 || j.FailedCount != 0 {
		t.Fatalf("counters moved on rerun: completed=%d failed=%d", j.CompletedCount, j.FailedCount)
	}
	if e.ledger.charges != 1 {
		t.Fatalf("expected still exactly one charge, got %d", e.ledger.charges)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	e := newEnv(t, envOpts{})
	job := e.unlock(t)

	if err := e.svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snap, err := e.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if snap.Status != JobFailed {
		t.Fatalf("expected failed after cancel, got %s", snap.Status)
	}
	for _, task := range snap.Tasks {
		if task.Status != TaskFailed || task.ErrorReason == nil || *task.ErrorReason != ReasonCanceled {
			t.Fatalf("task %s: expected canceled failure", task.InsightTypeID)
		}
	}

	balance, err := e.ledger.Balance(context.Background(), e.userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected full refund, got balance %d", balance)
	}

	// a late delivery of the canceled job is a no-op
	if err := e.svc.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("run canceled job: %v", err)
	}
	if n := e.searcher.calls.Load(); n != 0 {
		t.Fatalf("canceled job must not hit retrieval, got %d calls", n)
	}
	if e.ledger.charges != 0 {
		t.Fatalf("canceled job must not charge, got %d", e.ledger.charges)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	e := newEnv(t, envOpts{})
	if _, err := e.svc.GetStatus(context.Background(), "01UNKNOWNJOBID000000000000"); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
