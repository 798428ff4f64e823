package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/groundwork/internal/api"
	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/config"
	"github.com/nidhogg/groundwork/internal/contextbuild"
	"github.com/nidhogg/groundwork/internal/embedding"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/personalization"
	"github.com/nidhogg/groundwork/internal/pipeline"
	"github.com/nidhogg/groundwork/internal/provider"
	"github.com/nidhogg/groundwork/internal/queue"
	"github.com/nidhogg/groundwork/internal/rag"
	"github.com/nidhogg/groundwork/internal/retrieval"
	pgstore "github.com/nidhogg/groundwork/internal/store"
	"github.com/nidhogg/groundwork/internal/validation"
	"github.com/nidhogg/groundwork/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/groundwork.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting groundwork...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Generation fallback chain, in config order.
	chain := provider.NewChain(config.Ms(cfg.Pipeline.GenerationTimeoutMs), logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: config.Ms(pc.TimeoutMs),
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		chain.Register(p)
	}
	if chain.Len() == 0 {
		logger.Warn("no generation providers configured; every request will return the fallback message")
	}

	// Memory store.
	var pg *pgstore.Store
	store, closeStore, err := openMemoryStore(ctx, cfg, logger, &pg)
	if err != nil {
		logger.Fatal("memory store unavailable", zap.String("backend", cfg.Database.MemoryBackend), zap.Error(err))
	}
	closers = append(closers, closeStore)

	// Optional semantic search over Qdrant.
	var semantic retrieval.SemanticSearcher
	if cfg.Database.Qdrant.Host != "" {
		searcher, closeIndex, err := openSearcher(ctx, cfg, logger)
		if err != nil {
			logger.Warn("Qdrant unavailable, retrieval stays lexical", zap.Error(err))
		} else {
			closers = append(closers, closeIndex)
			semantic = searcher
			store = rag.NewIndexedStore(store, searcher, logger)
		}
	}

	// Background work queue.
	var q queue.Queue
	if cfg.Database.Redis.URL != "" {
		ropts := queue.DefaultRedisOptions()
		ropts.Stream = cfg.Database.Redis.Stream
		ropts.Group = cfg.Database.Redis.Group
		ropts.Workers = cfg.Personalization.Workers
		if host, err := os.Hostname(); err == nil {
			ropts.Consumer = host
		}
		rq, err := queue.NewRedisQueue(ctx, cfg.Database.Redis.URL, ropts, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process queue", zap.Error(err))
		} else {
			q = rq
		}
	}
	if q == nil {
		mopts := queue.DefaultMemoryOptions()
		mopts.Workers = cfg.Personalization.Workers
		q = queue.NewMemoryQueue(mopts, logger)
	}
	closers = append(closers, func() { q.Close() })

	// Personalization.
	var profiles personalization.ProfileStore = personalization.NewMemProfileStore()
	if pg != nil {
		profiles = pg.Profiles()
	}
	engine := personalization.NewEngine(profiles, store, q, personalization.Options{
		LearningRate: cfg.Personalization.LearningRate,
		Window:       cfg.Personalization.Window,
		HistoryLimit: cfg.Personalization.HistoryLimit,
	}, logger)

	// Pipeline stages.
	var scorer classifier.IntentScorer
	if cfg.Pipeline.UseLLMClassifier && chain.Len() > 0 {
		scorer = classifier.NewLLMScorer(chain, logger)
	}
	copts := classifier.DefaultOptions()
	copts.ScorerTimeout = config.Ms(cfg.Pipeline.ClassifierTimeoutMs)
	cls := classifier.New(scorer, copts, logger)

	retriever := retrieval.New(store, semantic, retrieval.Options{
		TopK:           cfg.Pipeline.TopK,
		MinSimilarity:  cfg.Pipeline.MinSimilarity,
		SemanticWeight: cfg.Pipeline.SemanticWeight,
		LexicalWeight:  cfg.Pipeline.LexicalWeight,
		PersonalBoost:  retrieval.DefaultOptions().PersonalBoost,
		Timeout:        config.Ms(cfg.Pipeline.RetrievalTimeoutMs),
	}, logger)

	bopts := contextbuild.DefaultOptions()
	bopts.Budget = cfg.Pipeline.ContextBudget
	builder := contextbuild.NewBuilder(bopts, logger)

	var verifier validation.Verifier
	if chain.Len() > 0 {
		verifier = validation.NewLLMVerifier(chain, logger)
	}
	validator := validation.New(validationOptions(cfg), verifier, logger)

	orch := pipeline.New(pipeline.Deps{
		Classifier:   cls,
		Retriever:    retriever,
		Builder:      builder,
		Generator:    chain,
		Validator:    validator,
		Personalizer: engine,
		Memories:     store,
	}, pipeline.Options{
		MaxRetries:      *cfg.Pipeline.MaxRetries,
		HistoryTurns:    cfg.Pipeline.HistoryTurns,
		FallbackMessage: cfg.Pipeline.FallbackMessage,
	}, logger)

	// Workers outlive the server so in-flight finalize hand-offs still land.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := engine.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("personalization worker stopped", zap.Error(err))
		}
	}()
	if purger, ok := store.(memory.Purger); ok {
		sweeper := memory.NewSweeper(purger, memory.SweepConfig{
			Interval: time.Duration(cfg.Sweep.IntervalMinutes) * time.Minute,
			Grace:    time.Duration(cfg.Sweep.GraceHours) * time.Hour,
		}, logger)
		go sweeper.Run(ctx)
	}

	handler := api.NewHandler(api.Deps{
		Pipeline:   orch,
		Learner:    engine,
		Memories:   store,
		Classifier: cls,
		Providers:  chain,
	}, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("groundwork listening", zap.String("port", port), zap.String("memory_backend", cfg.Database.MemoryBackend))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down groundwork...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	orch.Wait()
	stopWorkers()
	<-workersDone
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openMemoryStore opens the configured backend. pg is set when the backend
// is PostgreSQL so profiles can share the pool.
func openMemoryStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, pg **pgstore.Store) (memory.Store, func(), error) {
	switch cfg.Database.MemoryBackend {
	case "memory":
		return memory.NewMemStore(), func() {}, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLite.Path), 0o755); err != nil {
			return nil, nil, err
		}
		s, err := memory.NewSQLiteStore(cfg.Database.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("SQLite memory store opened", zap.String("path", cfg.Database.SQLite.Path))
		return s, func() { s.Close() }, nil

	case "postgres":
		s, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		*pg = s
		return s.Memories(), s.Close, nil

	case "neo4j":
		n := cfg.Database.Neo4j
		s, err := memory.NewGraphStore(n.URI, n.User, n.Password, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.Database.MemoryBackend)
	}
}

func openSearcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*rag.Searcher, func(), error) {
	embedder, err := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		return nil, nil, err
	}
	client, err := vectorstore.NewClient(vectorstore.QdrantConfig{
		Host: cfg.Database.Qdrant.Host,
		Port: cfg.Database.Qdrant.Port,
	})
	if err != nil {
		return nil, nil, err
	}
	searcher := rag.NewSearcher(embedder, client, cfg.Database.Qdrant.Collection, logger)
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := searcher.Init(initCtx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return searcher, func() { client.Close() }, nil
}

func validationOptions(cfg *config.Config) validation.Options {
	v := cfg.Validation
	opts := validation.DefaultOptions()
	opts.FactThreshold = v.FactThreshold
	opts.AcceptThreshold = v.AcceptThreshold
	opts.RejectThreshold = v.RejectThreshold
	opts.SevereContradiction = v.SevereContradiction
	opts.Timeout = config.Ms(cfg.Pipeline.ValidationTimeoutMs)
	for level, w := range v.Weights {
		opts.Weights[classifier.ValidationLevel(level)] = validation.Weights{
			Fact: w.Fact, Confidence: w.Confidence, Contradiction: w.Contradiction,
		}
	}
	return opts
}
