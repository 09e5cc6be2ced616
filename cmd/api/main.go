package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/api/handlers"
	cacheredis "github.com/sparql-agent/backend/internal/cache/redis"
	"github.com/sparql-agent/backend/internal/generator"
	"github.com/sparql-agent/backend/internal/llm"
	"github.com/sparql-agent/backend/internal/metrics"
	"github.com/sparql-agent/backend/internal/middleware/ratelimit"
	"github.com/sparql-agent/backend/internal/middleware/security"
	"github.com/sparql-agent/backend/internal/middleware/validation"
	"github.com/sparql-agent/backend/internal/pipeline"
	"github.com/sparql-agent/backend/internal/retriever"
	"github.com/sparql-agent/backend/internal/synthesizer"
	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
	"github.com/sparql-agent/backend/internal/vector/milvus"
	"github.com/sparql-agent/backend/pkg/config"
	appLogger "github.com/sparql-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting SPARQL Agent API server")

	cacheClient, err := cacheredis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer cacheClient.Close()

	virtuosoClient := virtuoso.NewClient(virtuoso.Config{
		Host:     cfg.Virtuoso.Host,
		Port:     cfg.Virtuoso.Port,
		Username: cfg.Virtuoso.Username,
		Password: cfg.Virtuoso.Password,
		Timeout:  time.Duration(cfg.Virtuoso.TimeoutSec) * time.Second,
	})

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	var vectorIndex retriever.VectorIndex
	if cfg.Milvus.Enabled {
		milvusClient, err := milvus.NewClient(cfg.Milvus.Endpoint, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		defer milvusClient.Close()
		vectorIndex = milvusClient
	}

	ret := retriever.New(cacheClient, llmClient, cacheClient, vectorIndex, retriever.Config{
		ProbeTimeout:     time.Duration(cfg.Pipeline.ProbeTimeoutMS) * time.Millisecond,
		RebuildThreshold: cfg.Pipeline.RebuildThreshold,
	})

	gen := generator.New(llmClient, generator.Config{
		Temperature:  cfg.LLM.GenerateTemperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		OntologyPath: cfg.LLM.OntologyPath,
	})

	synth := synthesizer.New(llmClient, synthesizer.Config{
		Temperature: cfg.LLM.SynthesisTemperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})

	orchestrator := pipeline.New(cacheClient, ret, gen, virtuosoClient, synth, pipeline.Options{
		FewshotK:         cfg.Pipeline.FewshotK,
		ThinkingInterval: time.Duration(cfg.Pipeline.ThinkingIntervalSec) * time.Second,
		Timeouts: pipeline.Timeouts{
			Cache:      5 * time.Second,
			Retrieve:   30 * time.Second,
			Generate:   time.Duration(cfg.LLM.TimeoutSec) * time.Second,
			Execute:    time.Duration(cfg.Virtuoso.TimeoutSec) * time.Second,
			Synthesize: time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		},
	})

	fewshotMode, err := retriever.ParseMode(cfg.Pipeline.FewshotMode)
	if err != nil {
		appLogger.Fatal("Invalid fewshot mode", zap.Error(err))
	}
	defaults := pipeline.AblationConfig{
		UseCache:           cfg.Pipeline.UseCache,
		UseOntologyContext: cfg.Pipeline.UseOntologyContext,
		FewshotMode:        fewshotMode,
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		metrics.RecordHTTPRequest(c.Route().Path, strconv.Itoa(c.Response().StatusCode()))
		return err
	})
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	nlHandler := handlers.NewNLHandler(orchestrator, defaults)
	sparqlHandler := handlers.NewSparqlHandler(virtuosoClient)
	adminHandler := handlers.NewAdminHandler(cacheClient, ret)
	healthHandler := handlers.NewHealthHandler(cacheClient, virtuosoClient, llmClient)
	wsHandler := handlers.NewWebSocketHandler(orchestrator, defaults)

	api := app.Group("/api/v1")

	api.Post("/nl/query", limiter.Middleware(), nlHandler.HandleQuery)
	api.Get("/nl/queries/top", adminHandler.HandleTopQueries)
	api.Get("/nl/cache/stats", adminHandler.HandleCacheStats)
	api.Get("/nl/ws", websocket.New(wsHandler.HandleConnection))

	api.Post("/sparql/query", limiter.Middleware(), sparqlHandler.HandleQuery)

	api.Post("/admin/cache/flush", adminHandler.HandleFlush)
	api.Post("/admin/cache/prewarm", adminHandler.HandlePrewarm)

	api.Get("/health", healthHandler.HandleHealth)
	app.Get("/metrics", metrics.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.Shutdown(); err != nil {
		appLogger.Error("Server shutdown error", zap.Error(err))
	}
}
