package insight

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chatlens/chatlens/internal/retrieval"
)

// ContextCache holds the consolidated retrieval result for a job until
// every task has read it. GetContext returns "" on a miss.
type ContextCache interface {
	SetContext(ctx context.Context, jobID, blob string, ttl time.Duration) error
	GetContext(ctx context.Context, jobID string) (string, error)
}

// Extractor performs the one expensive retrieval round trip per job.
// In-process dedup comes from singleflight; across worker processes and
// restarts the cache entry covers it.
type Extractor struct {
	searcher retrieval.Searcher
	cache    ContextCache
	limit    int
	ttl      time.Duration

	group singleflight.Group
}

func NewExtractor(searcher retrieval.Searcher, cache ContextCache, limit int, ttl time.Duration) *Extractor {
	if limit <= 0 {
		limit = 12
	}
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	return &Extractor{searcher: searcher, cache: cache, limit: limit, ttl: ttl}
}

// SharedContext returns the job's context blob, extracting it on first
// demand. Concurrent callers for the same job share one Search call; a
// retrieval failure surfaces as ErrContextUnavailable and is fatal for
// the whole job.
func (e *Extractor) SharedContext(ctx context.Context, jobID, chatID, categoryID string) (string, error) {
	v, err, _ := e.group.Do(jobID, func() (any, error) {
		if cached, err := e.cache.GetContext(ctx, jobID); err != nil {
			log.Printf("context cache get failed job=%s err=%v", jobID, err)
		} else if cached != "" {
			return cached, nil
		}

		excerpts, err := e.searcher.Search(ctx, chatID, ContextQuery(categoryID), e.limit)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrContextUnavailable, err)
		}

		blob := consolidate(excerpts)
		if err := e.cache.SetContext(ctx, jobID, blob, e.ttl); err != nil {
			// cache miss on a later read just re-extracts; not fatal
			log.Printf("context cache set failed job=%s err=%v", jobID, err)
		}
		return blob, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func consolidate(excerpts []retrieval.Excerpt) string {
	var b strings.Builder
	for i, ex := range excerpts {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(strings.TrimSpace(ex.Text))
	}
	return b.String()
}
