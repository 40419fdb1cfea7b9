package insight

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/chatlens/chatlens/internal/ai"
	"github.com/chatlens/chatlens/internal/chat"
)

// TaskRunner executes one insight generation end to end: claim the task
// row, obtain the shared context, call the provider, persist the terminal
// state, bump the job counters, and finalize the batch if it was last.
type TaskRunner struct {
	repo      *Repo
	chats     *chat.Repo
	extractor *Extractor
	registry  *ai.Registry
	agg       *Aggregator

	provider string
	model    string
	timeout  time.Duration
}

func NewTaskRunner(repo *Repo, chats *chat.Repo, extractor *Extractor, registry *ai.Registry, agg *Aggregator, provider, model string, timeout time.Duration) *TaskRunner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &TaskRunner{
		repo:      repo,
		chats:     chats,
		extractor: extractor,
		registry:  registry,
		agg:       agg,
		provider:  provider,
		model:     model,
		timeout:   timeout,
	}
}

// Run is re-entrant: an at-least-once task runner may deliver the same
// task twice, and the second run must observe the stored terminal state
// and leave counters alone.
func (r *TaskRunner) Run(ctx context.Context, job *Job, typeID string) error {
	task, err := r.repo.GetTask(ctx, job.ID, typeID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	if err := r.repo.MarkTaskRunning(ctx, task.ID); err != nil {
		return err
	}

	start := time.Now()
	content, tokens, genErr := r.generate(ctx, job, typeID)
	genMS := time.Since(start).Milliseconds()

	if genErr != nil {
		reason := ReasonBackendError
		switch {
		case errors.Is(genErr, ErrContextUnavailable):
			reason = ReasonContextUnavailable
		case errors.Is(genErr, context.DeadlineExceeded):
			reason = ReasonTimeout
		}
		wrote, err := r.repo.FailTask(ctx, task.ID, reason)
		if err != nil {
			return err
		}
		log.Printf("task failed job=%s type=%s reason=%s cost=%dms err=%v",
			job.ID, typeID, reason, genMS, genErr)
		if wrote {
			return r.settle(ctx, job.ID, false, 0)
		}
		return nil
	}

	wrote, err := r.repo.CompleteTask(ctx, task.ID, content, tokens, genMS)
	if err != nil {
		return err
	}
	if wrote {
		return r.settle(ctx, job.ID, true, tokens)
	}
	// a concurrent run already wrote the terminal state
	return nil
}

// settle applies this task's outcome to the job counters and, when the
// batch just became complete, triggers finalization.
func (r *TaskRunner) settle(ctx context.Context, jobID string, completed bool, tokens int) error {
	done, err := r.repo.BumpCounters(ctx, jobID, completed, tokens)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	return r.agg.Finalize(ctx, jobID)
}

func (r *TaskRunner) generate(ctx context.Context, job *Job, typeID string) (datatypes.JSON, int, error) {
	typ, err := TypeByID(job.CategoryID, typeID)
	if err != nil {
		return nil, 0, err
	}

	blob, err := r.extractor.SharedContext(ctx, job.ID, job.ChatID, job.CategoryID)
	if err != nil {
		return nil, 0, err
	}

	prompt, err := r.buildPrompt(ctx, job.ChatID, typ, blob)
	if err != nil {
		return nil, 0, err
	}

	provider, err := r.registry.Get(ctx, r.provider, r.model)
	if err != nil {
		return nil, 0, err
	}

	gctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := provider.Generate(gctx, ai.GenerateRequest{
		System: typ.System,
		Prompt: prompt,
		Schema: typ.Schema,
	})
	if err != nil {
		if gctx.Err() != nil {
			return nil, 0, fmt.Errorf("generation: %w", context.DeadlineExceeded)
		}
		return nil, 0, err
	}
	return datatypes.JSON(res.Content), res.TokensUsed, nil
}

func (r *TaskRunner) buildPrompt(ctx context.Context, chatID string, typ InsightType, blob string) (string, error) {
	c, err := r.chats.GetChatByChatID(ctx, chatID)
	if err != nil {
		return "", err
	}
	participants, err := r.chats.ListParticipants(ctx, chatID)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation: %q (%s, %d messages)\n", c.Title, c.Platform, c.MessageCount)
	fmt.Fprintf(&b, "Participants: %s\n\n", strings.Join(names, ", "))
	b.WriteString("Relevant excerpts:\n")
	b.WriteString(blob)
	b.WriteString("\n\nTask: ")
	b.WriteString(typ.Prompt)
	return b.String(), nil
}
