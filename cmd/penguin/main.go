package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/penguin"
	"github.com/nevindra/penguin/internal/config"
	"github.com/nevindra/penguin/observer"
	"github.com/nevindra/penguin/provider/openaicompat"
	"github.com/nevindra/penguin/server"
	"github.com/nevindra/penguin/store/postgres"
	"github.com/nevindra/penguin/store/sqlite"
	"github.com/nevindra/penguin/tokenizer/tiktoken"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("PENGUIN_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	// 2. Observability (optional)
	tracer := penguin.Tracer(penguin.NopTracer{})
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		tracer = observer.NewTracer()
	}

	// 3. Provider with retry on transient HTTP failures
	llm := penguin.WithRetry(
		openaicompat.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, openaicompat.WithName(cfg.LLM.Provider)),
		penguin.RetryLogger(logger),
	)
	if inst != nil {
		llm = observer.WrapProvider(llm, inst)
	}

	// 4. Snapshot store
	var snapshots penguin.SnapshotStore
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		snapshots = pg
	default:
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		defer st.Close()
		snapshots = st
	}

	// 5. Context window with exact token counting
	windowTokens := cfg.Engine.ContextWindowTokens
	tok, err := tiktoken.ForEncoding(cfg.Engine.TokenizerEncoding)
	windowFactory := func() *penguin.ContextWindow {
		if err != nil {
			// fall back to the byte-length approximation
			return penguin.NewContextWindow(windowTokens)
		}
		return penguin.NewContextWindow(windowTokens, penguin.WithTokenizer(tok))
	}
	if err != nil {
		logger.Warn("tokenizer unavailable, using approximate counts", "error", err)
	}

	// 6. Tools
	registry := penguin.NewToolRegistry()
	if inst != nil {
		registerBuiltinTools(registry, func(spec penguin.ToolSpec) penguin.ToolSpec {
			return observer.WrapTool(spec, inst)
		})
	} else {
		registerBuiltinTools(registry)
	}
	dispatcher := penguin.NewDispatcher(registry,
		penguin.WithDispatcherLogger(logger),
		penguin.WithDispatcherTracer(tracer),
	)

	// 7. Core
	core := penguin.NewCore(llm, dispatcher, registry,
		penguin.ModelBinding{Provider: cfg.LLM.Provider, Model: cfg.LLM.Model},
		penguin.WithCoreLogger(logger),
		penguin.WithCoreTracer(tracer),
		penguin.WithCoreSnapshotStore(snapshots),
		penguin.WithWindowFactory(windowFactory),
		penguin.WithCoreMaxIterations(cfg.Engine.MaxIterations),
		penguin.WithCoreMaxTasks(cfg.Executor.MaxConcurrentTasks),
		penguin.WithCoreMaxQueued(cfg.Executor.MaxQueuedTasks),
	)
	defer core.Shutdown(30 * time.Second)
	if inst != nil {
		core.Bus().Subscribe(penguin.BusFilter{}, observer.BusCounter(inst))
	}

	// 8. HTTP surface
	srv := server.New(core, server.WithLogger(logger))
	if err := srv.ListenAndServe(cfg.Server.Addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
