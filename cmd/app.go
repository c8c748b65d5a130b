package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"ragdesk_back/cache"
	"ragdesk_back/config"
	"ragdesk_back/knowledge"
	"ragdesk_back/llm"
	"ragdesk_back/storage"
	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	repo     *store.Repository
	chatbots *store.CachedChatbots
	files    storage.FileStorage
	vectors  *vectorstore.Store
	catalog  *llm.Catalog
	pipeline *knowledge.Pipeline
	query    *knowledge.QueryEngine
	websites *knowledge.WebsiteFetcher

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildApp opens every backing service. withFiles controls whether a file
// storage failure is fatal; commands that never touch uploads pass false.
func buildApp(ctx context.Context, withFiles bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	a.repo = store.NewRepository(db)

	var redisClient *redis.Client
	redisClient, err = cache.GetRedisClient(cfg.Redis)
	switch {
	case err == nil:
		a.closers = append(a.closers, cache.Close)
	case errors.Is(err, cache.ErrDisabled):
		redisClient = nil
	default:
		log.Printf("cache: redis unavailable, chatbot lookups go to the database: %v", err)
		redisClient = nil
	}
	a.chatbots = store.NewCachedChatbots(a.repo, redisClient, cfg.Cache.ChatbotTTL)

	a.files, err = storage.New(ctx, cfg.Storage)
	if err != nil {
		if withFiles || !errors.Is(err, storage.ErrNotConfigured) {
			return nil, fmt.Errorf("creating file storage: %w", err)
		}
		log.Printf("storage: %v", err)
		a.files = nil
	}

	a.vectors, err = vectorstore.New(cfg.Vector, cfg.Embedding.Dimension)
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}
	a.closers = append(a.closers, a.vectors.Close)
	if err := a.vectors.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing vector store: %w", err)
	}

	embedder, err := knowledge.NewEmbedder(cfg.Embedding, cfg.Vector.Timeout)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	a.catalog = llm.LoadCatalog(cfg.LLM.CatalogFile)
	chat, err := llm.NewChatClient(cfg.LLM, a.catalog)
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}

	deps := knowledge.PipelineDeps{
		Documents: a.repo,
		Vectors:   a.vectors,
		Embedder:  embedder,
		Extractor: knowledge.NewExtractor(),
		Chunker:   knowledge.NewChunker(cfg.Chunk.Size, cfg.Chunk.Overlap),
		Retry:     knowledge.RetryPolicyFromConfig(cfg.Pipeline),
	}
	if a.files != nil {
		deps.Files = a.files
	}
	a.pipeline, err = knowledge.NewPipeline(deps)
	if err != nil {
		return nil, err
	}
	a.websites = knowledge.NewWebsiteFetcher(cfg.Website.Timeout, cfg.Website.UserAgent, deps.Retry)

	a.query, err = knowledge.NewQueryEngine(knowledge.QueryDeps{
		Chatbots: a.chatbots,
		Vectors:  a.vectors,
		Embedder: embedder,
		LLM:      chat,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
	a.closers = nil
}
