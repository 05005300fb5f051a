package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docquarry/quarry/pkg/chat"
	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/databases"
	"github.com/docquarry/quarry/pkg/embedders"
	"github.com/docquarry/quarry/pkg/extraction"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/observability"
	"github.com/docquarry/quarry/pkg/parsers"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/server"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
	"github.com/docquarry/quarry/pkg/templatefill"
	"github.com/docquarry/quarry/pkg/tokens"
	"github.com/docquarry/quarry/pkg/workflow"
)

// App holds every wired component of a quarry process. Components are
// constructed once at startup from the configuration record and passed
// explicitly; nothing reaches for ambient globals.
type App struct {
	Config *config.Config

	Store     *store.Store
	Artifacts *storage.Store
	Vectors   databases.VectorStore

	Broker  pipeline.Broker
	Worker  *pipeline.Worker
	Tracker *pipeline.Tracker

	Extractions *extraction.Service
	Workflows   *workflow.Jobs
	Fills       *templatefill.Service
	Chat        *chat.Chat
	Server      *server.Server
}

// buildApp wires the full dependency graph, leaves first. The returned
// cleanup closes connections in reverse order.
func buildApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	stopTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	st, err := store.Open(cfg.Database.Dialect, cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	cleanup := func() {
		_ = st.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stopTracing(shutdownCtx)
	}

	backend, err := storage.NewLocalBackend(cfg.Storage.BasePath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to init artifact storage: %w", err)
	}
	artifacts := storage.New(backend, cfg.Storage.InlineThreshold)

	vectors, err := databases.New(cfg.Vector, cfg.Embedder.Dimension)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to init vector store: %w", err)
	}
	storeCleanup := cleanup
	cleanup = func() { _ = vectors.Close(); storeCleanup() }

	embedder, err := embedders.New(cfg.Embedder)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	client, err := llms.New(cfg.LLM)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	counter, err := tokens.NewCounter(cfg.Chunking.TokenizerModel)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	chunker, err := chunks.NewSectionChunker(cfg.Chunking)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	factory := parsers.NewFactory()
	factory.Register(parsers.TierBasic, parsers.NewNativePDFParser())

	retriever := retrieval.NewRetriever(cfg.Retrieval, vectors, embedder, st)
	reranker := retrieval.NewCrossEncoder(cfg.Retrieval)
	expander := retrieval.NewExpander(st)
	engine := retrieval.NewEngine(cfg.Retrieval, retriever, reranker, expander, counter)

	broker, err := pipeline.NewBroker(cfg.Pipeline)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	brokerCleanup := cleanup
	cleanup = func() { _ = broker.Close(); brokerCleanup() }

	tracker := pipeline.NewTracker(st, pipeline.NewHub())
	worker := pipeline.NewWorker(cfg.Pipeline, broker, tracker)

	extractions := extraction.NewService(&extraction.Deps{
		Store:      st,
		Artifacts:  artifacts,
		Vectors:    vectors,
		Embedder:   embedder,
		Parsers:    factory,
		Chunker:    chunker,
		Client:     client,
		Model:      cfg.LLM.Model,
		CheapModel: cfg.LLM.CheapModel,
	}, worker, tracker)

	preparer := workflow.NewPreparer(cfg.Workflow, engine, counter)
	runner := workflow.NewRunner(cfg.Workflow, cfg.LLM, client)
	workflowSvc := workflow.NewService(cfg.Workflow, st, artifacts, preparer, runner)
	workflows := workflow.NewJobs(workflowSvc, st, artifacts, worker)
	if err := workflow.EnsureDefaultTemplates(ctx, st); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to seed workflow templates: %w", err)
	}

	fills := templatefill.NewService(&templatefill.Deps{
		Store:      st,
		Artifacts:  artifacts,
		Engine:     engine,
		Client:     client,
		CheapModel: cfg.LLM.CheapModel,
	}, worker)

	chatSvc := chat.New(cfg.Chat, cfg.LLM, st, client, engine, reranker, counter)

	srv, err := server.New(cfg.Server, server.Deps{
		Store:       st,
		Vectors:     vectors,
		Artifacts:   artifacts,
		Extractions: extractions,
		Workflows:   workflows,
		Fills:       fills,
		Chat:        chatSvc,
		Tracker:     tracker,
		UploadDir:   filepath.Join(cfg.Storage.BasePath, "uploads"),
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &App{
		Config:      cfg,
		Store:       st,
		Artifacts:   artifacts,
		Vectors:     vectors,
		Broker:      broker,
		Worker:      worker,
		Tracker:     tracker,
		Extractions: extractions,
		Workflows:   workflows,
		Fills:       fills,
		Chat:        chatSvc,
		Server:      srv,
	}, cleanup, nil
}
