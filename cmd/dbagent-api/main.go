package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/dbagent/internal/agent"
	"github.com/duckmesh/dbagent/internal/api"
	"github.com/duckmesh/dbagent/internal/api/uistatic"
	"github.com/duckmesh/dbagent/internal/auth"
	"github.com/duckmesh/dbagent/internal/checkpoint"
	checkpointobjects "github.com/duckmesh/dbagent/internal/checkpoint/objectstore"
	checkpointpostgres "github.com/duckmesh/dbagent/internal/checkpoint/postgres"
	"github.com/duckmesh/dbagent/internal/config"
	"github.com/duckmesh/dbagent/internal/database/postgres"
	"github.com/duckmesh/dbagent/internal/database/target"
	"github.com/duckmesh/dbagent/internal/llm"
	"github.com/duckmesh/dbagent/internal/llm/gemini"
	"github.com/duckmesh/dbagent/internal/llm/openai"
	"github.com/duckmesh/dbagent/internal/observability"
	"github.com/duckmesh/dbagent/internal/storage"
	s3store "github.com/duckmesh/dbagent/internal/storage/s3"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("dbagent-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx := context.Background()
	readiness := []api.ReadinessCheck{api.CheckAIConfig(cfg)}

	var objectStore storage.ObjectStore
	if needsObjectStore(cfg) {
		s3, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		objectStore = s3
		readiness = append(readiness, s3.HealthCheck)
	}

	db, err := target.Open(ctx, cfg.Target, objectStore)
	if err != nil {
		logger.Error("failed to open target database", slog.Any("error", err), slog.String("driver", cfg.Target.Driver))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	readiness = append(readiness, api.CheckPinger(db))

	checkpoints, closeCheckpoints, err := openCheckpoints(ctx, cfg, objectStore)
	if err != nil {
		logger.Error("failed to open checkpoint store", slog.Any("error", err), slog.String("backend", cfg.Checkpoint.Backend))
		os.Exit(1)
	}
	defer closeCheckpoints()
	readiness = append(readiness, api.CheckHealth(checkpoints))

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize llm client", slog.Any("error", err), slog.String("provider", cfg.AI.Provider))
		os.Exit(1)
	}

	introspectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	sqlAgent, err := agent.New(introspectCtx, agent.Dependencies{
		Database:     db,
		LLM:          llm.WithMetrics(client, cfg.AI.Provider),
		Checkpoints:  checkpoints,
		Logger:       logger,
		MaxRetries:   cfg.Agent.MaxRetries,
		StageTimeout: cfg.Agent.StageTimeout,
	})
	cancel()
	if err != nil {
		logger.Error("failed to initialize agent", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("schema loaded", slog.Int("tables", len(sqlAgent.Schema().Tables())))

	deps := api.Dependencies{
		Logger:            logger,
		Agent:             sqlAgent,
		TurnTimeout:       cfg.Agent.TurnTimeout,
		UI:                uistatic.Handler(),
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func needsObjectStore(cfg config.Config) bool {
	return cfg.Checkpoint.Backend == config.CheckpointObjectStore ||
		(cfg.Target.Driver == config.TargetDuckDB && cfg.Target.DuckDBDatasets != "")
}

func openCheckpoints(ctx context.Context, cfg config.Config, objects storage.ObjectStore) (checkpoint.Store, func(), error) {
	switch cfg.Checkpoint.Backend {
	case config.CheckpointMemory:
		return checkpoint.NewMemoryStore(), func() {}, nil
	case config.CheckpointObjectStore:
		return checkpointobjects.NewStore(objects, cfg.Checkpoint.Prefix), func() {}, nil
	case config.CheckpointPostgres:
		db, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             cfg.Checkpoint.DSN,
			ApplicationName: cfg.Service.Name,
			MaxOpenConns:    cfg.Checkpoint.MaxOpenConns,
			MaxIdleConns:    cfg.Checkpoint.MaxIdleConns,
			ConnMaxIdleTime: cfg.Checkpoint.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Checkpoint.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return checkpointpostgres.NewStore(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

func newLLMClient(ctx context.Context, cfg config.Config) (llm.Client, error) {
	switch cfg.AI.Provider {
	case config.ProviderGemini:
		return gemini.New(ctx, gemini.Config{
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			BaseURL:     cfg.AI.BaseURL,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
	case config.ProviderOpenAI:
		return openai.New(openai.Config{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.AI.Provider)
	}
}
