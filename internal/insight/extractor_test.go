package insight

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSharedContextSingleFlight(t *testing.T) {
	searcher := &fakeSearcher{delay: 50 * time.Millisecond}
	cache := newMemCache()
	ex := NewExtractor(searcher, cache, 12, time.Minute)

	var wg sync.WaitGroup
	blobs := make([]string, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob, err := ex.SharedContext(context.Background(), "job-1", "chat-1", "relationship")
			if err != nil {
				t.Errorf("extract: %v", err)
				return
			}
			blobs[i] = blob
		}(i)
	}
	wg.Wait()

	if n := searcher.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one search call, got %d", n)
	}
	for i := 1; i < len(blobs); i++ {
		if blobs[i] != blobs[0] {
			t.Fatalf("callers observed different context blobs")
		}
	}
	if blobs[0] == "" {
		t.Fatalf("empty context blob")
	}
}

func TestSharedContextReusesCacheAcrossProcesses(t *testing.T) {
	searcher := &fakeSearcher{}
	cache := newMemCache()

	ex1 := NewExtractor(searcher, cache, 12, time.Minute)
	first, err := ex1.SharedContext(context.Background(), "job-1", "chat-1", "relationship")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	// a second extractor (fresh singleflight group, same cache) models a
	// worker restart; it must serve the cached blob without searching
	ex2 := NewExtractor(searcher, cache, 12, time.Minute)
	second, err := ex2.SharedContext(context.Background(), "job-1", "chat-1", "relationship")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if first != second {
		t.Fatalf("cache returned a different blob")
	}
	if n := searcher.calls.Load(); n != 1 {
		t.Fatalf("expected one search call total, got %d", n)
	}
}

func TestSharedContextRetrievalFailure(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("index down")}
	ex := NewExtractor(searcher, newMemCache(), 12, time.Minute)

	_, err := ex.SharedContext(context.Background(), "job-1", "chat-1", "relationship")
	if !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %v", err)
	}
}
