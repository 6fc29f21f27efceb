package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/adapter/repo"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/config"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/hero"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/http/handlers"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/http/httpapi"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra/credentials"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/ledger"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/lifecycle"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/painter"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/pipeline"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/planner"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/sqlinline"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	var (
		tasks       domain.TaskRepository
		users       domain.UserRepository
		ledgerStore domain.LedgerStore
		painterKeys = cfg.PainterAPIKeys
	)

	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()

		runner := infra.NewSQLRunner(pool, logger)
		if _, err := runner.Exec(ctx, sqlinline.QSchema); err != nil {
			logger.Fatal().Err(err).Msg("schema bootstrap failed")
		}

		tasks = repo.NewPGTaskRepository(runner)
		users = repo.NewPGUserRepository(runner)
		ledgerStore = repo.NewPGLedgerStore(pool, logger)

		// Keys stored through studiokey extend whatever the environment
		// provided.
		creds := credentials.NewStore(runner)
		stored, err := creds.PainterKeys(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("painter key lookup failed")
		}
		painterKeys = append(painterKeys, stored...)
	} else {
		logger.Warn().Msg("DATABASE_URL unset, using in-memory store")
		mem := repo.NewMemoryStore()
		tasks = mem
		users = mem.Users()
		ledgerStore = mem
	}

	var store storage.ObjectStore = storage.Disabled{}
	storageDir := ""
	if cfg.StorageDir != "" {
		fs, err := storage.NewFileStore(cfg.StorageDir, cfg.StorageBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("storage init failed")
		}
		store = fs
		storageDir = fs.BasePath()
	}

	paint, err := painter.NewClient(painter.Options{
		BaseURL: cfg.PainterBaseURL,
		Model:   cfg.PainterModel,
		Keys:    painterKeys,
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("painter init failed")
	}

	plannerKey := ""
	if len(painterKeys) > 0 {
		plannerKey = painterKeys[0]
	}
	plan, err := planner.NewClient(planner.Options{
		APIKey:  plannerKey,
		Model:   cfg.PlannerModel,
		BaseURL: cfg.PainterBaseURL,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("planner init failed")
	}

	bank := ledger.NewService(ledgerStore, logger)

	var batch *pipeline.BatchClient
	if cfg.BatchRenderEnabled && cfg.BatchRenderURL != "" {
		batch, err = pipeline.NewBatchClient(cfg.BatchRenderURL, nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("batch renderer init failed")
		}
	}

	orchestrator := pipeline.New(pipeline.Options{
		Tasks:   tasks,
		Ledger:  bank,
		Painter: paint,
		Store:   store,
		Batch:   batch,
		Logger:  logger,
	})

	heroSvc := hero.NewService(hero.Options{
		Tasks:   tasks,
		Ledger:  bank,
		Painter: paint,
		Planner: plan,
		Store:   store,
		Logger:  logger,
	})

	lc := lifecycle.NewService(lifecycle.Options{
		Tasks:            tasks,
		Planner:          plan,
		Renderer:         orchestrator,
		Hero:             heroSvc,
		MaxActivePerUser: cfg.MaxActiveTasksPerUser,
		RunTimeout:       cfg.RenderTimeout,
		Logger:           logger,
	})

	app := handlers.NewApp(lc, heroSvc, users, storageDir, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   "en",
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	// Let in-flight background phases finish before the process exits.
	lc.Wait()
	logger.Info().Msg("server stopped")
}
