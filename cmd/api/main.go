package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/chatlens/chatlens/internal/ai"
	"github.com/chatlens/chatlens/internal/chat"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/db"
	"github.com/chatlens/chatlens/internal/httpapi"
	"github.com/chatlens/chatlens/internal/insight"
	"github.com/chatlens/chatlens/internal/ledger"
	"github.com/chatlens/chatlens/internal/retrieval"
	"github.com/chatlens/chatlens/internal/store/rabbitmq"
	"github.com/chatlens/chatlens/internal/store/redisstore"
)

func newRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	chatRepo := chat.NewRepo(gdb)
	lgr := ledger.New(gdb)
	repo := insight.NewRepo(gdb)

	reg := newRegistry(cfg)
	searcher := retrieval.NewClient(cfg.RetrievalBaseURL)
	extractor := insight.NewExtractor(searcher, rds, cfg.RetrievalLimit, cfg.ContextTTL)
	agg := insight.NewAggregator(repo, lgr, insight.ProRataRefund{})
	runner := insight.NewTaskRunner(repo, chatRepo, extractor, reg, agg, cfg.AIProvider, "", cfg.GenerationTimeout)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	svc := insight.NewService(repo, lgr, pub, extractor, runner, agg, 0)

	r := httpapi.NewRouter(gdb, cfg, chatRepo, lgr, svc)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("api listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
