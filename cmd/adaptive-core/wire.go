package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saaga0h/adaptive-core/internal/checkpoint"
	"github.com/saaga0h/adaptive-core/internal/coupling"
	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/orchestrator"
	"github.com/saaga0h/adaptive-core/internal/patterns"
	"github.com/saaga0h/adaptive-core/internal/reasoner"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/saaga0h/adaptive-core/internal/seed"
	"github.com/saaga0h/adaptive-core/pkg/config"
	"github.com/saaga0h/adaptive-core/pkg/health"
	"github.com/saaga0h/adaptive-core/pkg/llm"
	"github.com/saaga0h/adaptive-core/pkg/mqtt"
	"github.com/saaga0h/adaptive-core/pkg/postgres"
	"github.com/saaga0h/adaptive-core/pkg/redis"
)

// app holds the wired engine and everything that must be closed with it
type app struct {
	engine  *orchestrator.Engine
	health  *health.Checker
	metrics *llm.MetricsCollector
	events  *events.Emitter
	logger  *slog.Logger
	closers []func()
}

// Close releases connections in reverse order of creation
func (a *app) Close() {
	a.metrics.LogMetrics()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// build wires every component from cfg. The caller must Close the app.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		health:  health.NewChecker(logger),
		metrics: llm.NewMetricsCollector(logger),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	guard := resilience.NewGuard(resilience.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		CallTimeout:    cfg.CallTimeout,
		TrialTimeout:   cfg.TrialTimeout,
		RetryBudget:    cfg.RetryBudget,
		InitialWait:    cfg.RetryInitialWait,
		MaxWait:        10 * time.Second,
		Rates: map[string]float64{
			resilience.DependencyOracle:    cfg.OracleRPS,
			resilience.DependencyEmbedding: cfg.EmbeddingRPS,
		},
		Burst: 2,
	}, logger)

	var publisher mqtt.Client
	if cfg.MQTTEnabled {
		client := mqtt.NewClient(cfg, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		a.onClose(client.Disconnect)
		a.health.AddProbe("mqtt", func(ctx context.Context) error {
			if !client.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		})
		publisher = client
	}
	a.events = events.NewEmitter(logger, publisher)

	store, err := buildStore(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close graph store", "error", err)
		}
	})

	oracle, provider, model, err := buildOracle(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	oracle = llm.WithMetrics(oracle, a.metrics)
	a.health.AddProbe("oracle", oracle.Health)
	embedder := embedding.NewService(provider, guard, logger)

	pcfg := patterns.DefaultConfig()
	pcfg.NoveltySimilarity = cfg.PatternNoveltySimilarity
	pcfg.ExceptionalSuccess = cfg.PatternExceptional
	pcfg.SmallLibraryFloor = cfg.PatternSmallLibrary
	pcfg.InitialThreshold = cfg.PatternInitialThreshold
	pcfg.AdjustEvery = cfg.PatternAdjustEvery
	pcfg.DiversityFloor = cfg.PatternDiversityFloor
	pcfg.Model = model
	library := patterns.NewLibrary(pcfg, patterns.Deps{
		Store: store, Embedder: embedder, Oracle: oracle, Guard: guard, Events: a.events, Logger: logger,
	})

	rcfg := reasoner.DefaultConfig()
	rcfg.Decay = cfg.ReasonerDecay
	rcfg.MaxDepth = cfg.ReasonerMaxDepth
	rcfg.ActivationThreshold = cfg.ReasonerActivationFloor
	rcfg.AnswerConfidence = cfg.ReasonerAnswerConfidence
	rcfg.MaxIterations = cfg.ReasonerMaxIterations
	rcfg.Model = model
	r := reasoner.New(rcfg, reasoner.Deps{
		Store: store, Embedder: embedder, Oracle: oracle, Guard: guard, Events: a.events, Logger: logger,
	})

	ecfg := evolver.DefaultConfig()
	ecfg.Survivors = cfg.EvolverSurvivors
	ecfg.Offspring = cfg.EvolverPopulation - cfg.EvolverSurvivors
	ecfg.Repetitions = cfg.EvolverRepetitions
	ecfg.Alpha = cfg.EvolverAlpha
	ecfg.ArchiveAfter = cfg.EvolverArchiveAfter
	ecfg.Seed = cfg.Seed
	ev := evolver.New(ecfg, evolver.Deps{Store: store, Guard: guard, Events: a.events, Logger: logger})

	monitor, err := buildMonitor(cfg, a)
	if err != nil {
		return nil, err
	}

	ckpts, err := checkpoint.NewStore(cfg.CheckpointDir, cfg.CheckpointKeep, a.events, logger)
	if err != nil {
		return nil, err
	}

	set, err := loadSeed(cfg)
	if err != nil {
		return nil, err
	}

	a.engine, err = orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Store:       store,
		Embedder:    embedder,
		Library:     library,
		Reasoner:    r,
		Evolver:     ev,
		Monitor:     monitor,
		Checkpoints: ckpts,
		Seed:        set,
		Events:      a.events,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.health.SetSnapshot(func(ctx context.Context) (any, error) {
		return a.engine.MetricsSnapshot(ctx)
	})
	return a, nil
}

func buildStore(ctx context.Context, cfg *config.Config, a *app) (graph.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		s, err := graph.NewSQLiteStore(ctx, cfg.SQLitePath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.logger.Info("Graph store ready", "backend", "sqlite", "path", cfg.SQLitePath)
		return s, nil
	case "postgres":
		client := postgres.NewClient(cfg, a.logger)
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.onClose(func() {
			if err := client.Disconnect(); err != nil {
				a.logger.Warn("Failed to disconnect from postgres", "error", err)
			}
		})
		a.health.AddProbe("postgres", postgres.Probe(client))
		s, err := graph.NewPostgresStore(ctx, client, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.logger.Info("Graph store ready", "backend", "postgres", "host", cfg.PostgresHost, "db", cfg.PostgresDB)
		return s, nil
	default:
		a.logger.Warn("Using in-memory graph store; state survives only through checkpoints")
		return graph.NewMemoryStore(), nil
	}
}

// buildOracle returns the oracle, the embedding provider and the model name
// passed on oracle requests
func buildOracle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, embedding.Provider, string, error) {
	var oracle llm.Client
	var gemini *llm.GenAIClient
	model := cfg.LLMModel

	if cfg.OracleBackend == "genai" || cfg.EmbeddingBackend == "genai" {
		c, err := llm.NewGenAIClient(ctx, cfg.GenAIAPIKey, cfg.GenAIModel, cfg.EmbeddingModel, logger)
		if err != nil {
			return nil, nil, "", err
		}
		gemini = c
	}

	switch cfg.OracleBackend {
	case "genai":
		oracle = gemini
		model = cfg.GenAIModel
	case "mock":
		mock := llm.NewMockClient()
		mock.GenerateFunc = llm.Respond("No oracle is configured; answer from recorded patterns.")
		oracle = mock
	default:
		oracle = llm.NewOllamaClient(cfg.LLMEndpoint, logger)
	}

	var provider embedding.Provider
	switch cfg.EmbeddingBackend {
	case "genai":
		provider = gemini
	case "ollama":
		provider = llm.NewOllamaEmbedder(cfg.LLMEndpoint, cfg.EmbeddingModel, logger)
	default:
		provider = embedding.NewHashEmbedder(cfg.EmbeddingDims)
	}

	logger.Info("Oracle ready", "oracle", cfg.OracleBackend, "embedder", cfg.EmbeddingBackend, "model", model)
	return oracle, provider, model, nil
}

func buildMonitor(cfg *config.Config, a *app) (*coupling.Monitor, error) {
	mcfg := coupling.DefaultConfig()
	mcfg.BucketWidth = cfg.MonitorBucketWidth
	mcfg.Window = cfg.MonitorWindow
	mcfg.Kill.GrowthWindows = cfg.MonitorHardWindows
	mcfg.Kill.HealthWindows = cfg.MonitorHardWindows
	mcfg.Kill.EfficiencyWindows = cfg.MonitorSoftWindows
	mcfg.Kill.CorrelationWindows = 2 * cfg.MonitorSoftWindows

	var samples coupling.SampleStore
	if cfg.RedisEnabled {
		client := redis.NewClient(cfg, a.logger)
		a.onClose(func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("Failed to close redis", "error", err)
			}
		})
		rs := coupling.NewRedisSampleStore(client, cfg.RedisSampleRetention, a.logger)
		a.health.AddProbe("redis", rs.Ping)
		samples = rs
	} else {
		samples = coupling.NewMemorySampleStore()
	}
	return coupling.NewMonitor(mcfg, samples, a.events, a.logger)
}

func loadSeed(cfg *config.Config) (*seed.Set, error) {
	if cfg.SeedFile == "" {
		return seed.Default()
	}
	return seed.LoadFile(cfg.SeedFile)
}
