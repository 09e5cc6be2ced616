package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cacheredis "github.com/sparql-agent/backend/internal/cache/redis"
	"github.com/sparql-agent/backend/internal/evaluation"
	"github.com/sparql-agent/backend/internal/generator"
	"github.com/sparql-agent/backend/internal/llm"
	"github.com/sparql-agent/backend/internal/retriever"
	"github.com/sparql-agent/backend/internal/synthesizer"
	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
	"github.com/sparql-agent/backend/pkg/config"
	appLogger "github.com/sparql-agent/backend/pkg/logger"
)

var (
	datasetPath  string
	dbPath       string
	topK         int
	configFilter string
	flushFirst   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the ablation evaluation over a JSONL dataset",
		RunE:  runEvaluation,
	}

	rootCmd.Flags().StringVar(&datasetPath, "dataset", "", "path to the JSONL dataset (required)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "sqlite output path (defaults to evaluation.dbPath from config)")
	rootCmd.Flags().IntVar(&topK, "k", 5, "retrieval depth for @k metrics")
	rootCmd.Flags().StringVar(&configFilter, "configs", "", "comma-separated config names to run (default all)")
	rootCmd.Flags().BoolVar(&flushFirst, "flush", false, "flush the cache before seeding")
	rootCmd.MarkFlagRequired("dataset")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runEvaluation(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	examples, err := evaluation.LoadDataset(datasetPath)
	if err != nil {
		return err
	}

	cacheClient, err := cacheredis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("failed to create Redis client: %w", err)
	}
	defer cacheClient.Close()

	ctx := context.Background()
	if flushFirst {
		removed, err := cacheClient.Flush(ctx)
		if err != nil {
			return fmt.Errorf("failed to flush cache: %w", err)
		}
		appLogger.Info("Flushed cache before run", zap.Int("removed", removed))
	}

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

	ret := retriever.New(cacheClient, llmClient, cacheClient, nil, retriever.Config{
		ProbeTimeout:     time.Duration(cfg.Pipeline.ProbeTimeoutMS) * time.Millisecond,
		RebuildThreshold: cfg.Pipeline.RebuildThreshold,
	})

	comps := evaluation.Components{
		Cache:     cacheClient,
		Retriever: ret,
		Generator: generator.New(llmClient, generator.Config{
			Temperature:  cfg.LLM.GenerateTemperature,
			MaxTokens:    cfg.LLM.MaxTokens,
			OntologyPath: cfg.LLM.OntologyPath,
		}),
		Executor: virtuosoClient,
		Synthesizer: synthesizer.New(llmClient, synthesizer.Config{
			Temperature: cfg.LLM.SynthesisTemperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}),
	}

	if dbPath == "" {
		dbPath = cfg.Evaluation.DBPath
	}
	store, err := evaluation.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		return err
	}

	configs := selectConfigs(configFilter)
	if len(configs) == 0 {
		return fmt.Errorf("no configs match %q", configFilter)
	}

	harness := evaluation.NewHarness(comps, store, topK)
	runID, summaries, err := harness.Run(ctx, datasetPath, examples, configs)
	if err != nil {
		return err
	}

	printSummaries(runID, summaries)
	return nil
}

func selectConfigs(filter string) []evaluation.EvalConfig {
	all := evaluation.DefaultConfigs()
	if filter == "" {
		return all
	}

	wanted := map[string]bool{}
	for _, name := range strings.Split(filter, ",") {
		wanted[strings.TrimSpace(name)] = true
	}

	var selected []evaluation.EvalConfig
	for _, cfg := range all {
		if wanted[cfg.Name] {
			selected = append(selected, cfg)
		}
	}
	return selected
}

func printSummaries(runID string, summaries []evaluation.Summary) {
	fmt.Printf("run %s\n\n", runID)
	fmt.Printf("%-40s %8s %8s %8s %8s %8s %8s %8s %10s\n",
		"config", "n", "P@k", "R@k", "MRR", "nDCG", "exact", "e2e", "mean ms")
	for _, s := range summaries {
		fmt.Printf("%-40s %8d %8.3f %8.3f %8.3f %8.3f %8.3f %8.3f %10.0f\n",
			s.ConfigName, s.Examples,
			s.MeanPrecisionAtK, s.MeanRecallAtK, s.MeanMRRAtK, s.MeanNDCGAtK,
			s.ExactMatchRate, s.E2ESuccessRate, s.MeanEndToEndMS)
	}
}
