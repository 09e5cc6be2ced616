package evaluation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/pipeline"
	"github.com/sparql-agent/backend/internal/retriever"
	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
	"github.com/sparql-agent/backend/pkg/logger"
	"github.com/sparql-agent/backend/pkg/utils"
)

// EvalConfig is one named cell of the ablation grid.
type EvalConfig struct {
	Name     string
	Ablation pipeline.AblationConfig
}

// DefaultConfigs is the standard grid: cache, ontology context and
// few-shot retrieval toggled individually.
func DefaultConfigs() []EvalConfig {
	return []EvalConfig{
		{"cache+ontology+fewshot:auto", pipeline.AblationConfig{UseCache: true, UseOntologyContext: true, FewshotMode: retriever.ModeAuto}},
		{"cache+ontology+fewshot:embeddings", pipeline.AblationConfig{UseCache: true, UseOntologyContext: true, FewshotMode: retriever.ModeEmbeddings}},
		{"cache+ontology+fewshot:jaccard", pipeline.AblationConfig{UseCache: true, UseOntologyContext: true, FewshotMode: retriever.ModeJaccard}},
		{"cache+ontology+no_fewshot", pipeline.AblationConfig{UseCache: true, UseOntologyContext: true, FewshotMode: retriever.ModeOff}},
		{"no_cache+ontology+fewshot:auto", pipeline.AblationConfig{UseCache: false, UseOntologyContext: true, FewshotMode: retriever.ModeAuto}},
		{"no_cache+no_ontology+fewshot:auto", pipeline.AblationConfig{UseCache: false, UseOntologyContext: false, FewshotMode: retriever.ModeAuto}},
		{"no_cache+no_ontology+no_fewshot", pipeline.AblationConfig{UseCache: false, UseOntologyContext: false, FewshotMode: retriever.ModeOff}},
	}
}

// Latencies per stage, milliseconds, zero when the stage was skipped.
type Latencies struct {
	RetrievalMS  int64 `json:"retrieval_ms"`
	GenerateMS   int64 `json:"generate_ms"`
	ExecuteMS    int64 `json:"execute_ms"`
	SynthesizeMS int64 `json:"synthesize_ms"`
	EndToEndMS   int64 `json:"end_to_end_ms"`
}

// Record is the full grading of one example under one config.
type Record struct {
	RunID       string
	ConfigName  string
	ExampleID   string
	BaseID      string
	VariantType string
	CacheHit    bool
	Retrieval   RetrievalScores
	Generation  GenerationScores
	Latencies   Latencies
	Error       string
	CreatedAt   time.Time
}

// Summary aggregates one config's records.
type Summary struct {
	ConfigName        string
	Examples          int
	CacheHitRate      float64
	MeanPrecisionAtK  float64
	MeanRecallAtK     float64
	MeanMRRAtK        float64
	MeanNDCGAtK       float64
	ExactMatchRate    float64
	ExecSuccessRate   float64
	E2ESuccessRate    float64
	MeanEndToEndMS    float64
}

// Components are the pipeline stages the harness drives directly. It
// bypasses the orchestrator's event stream so each stage can be timed
// and its intermediate output graded.
type Components struct {
	Cache       pipeline.CacheStore
	Retriever   pipeline.FewshotRetriever
	Generator   pipeline.QueryGenerator
	Executor    pipeline.QueryExecutor
	Synthesizer pipeline.AnswerSynthesizer
}

// RecordSink persists graded records; nil-safe via NopSink.
type RecordSink interface {
	SaveRun(runID string, datasetPath string, configs, examples int, startedAt time.Time) error
	SaveRecord(rec Record) error
}

type NopSink struct{}

func (NopSink) SaveRun(string, string, int, int, time.Time) error { return nil }
func (NopSink) SaveRecord(Record) error                           { return nil }

type Harness struct {
	comps Components
	sink  RecordSink
	k     int
}

func NewHarness(comps Components, sink RecordSink, k int) *Harness {
	if sink == nil {
		sink = NopSink{}
	}
	if k <= 0 {
		k = 5
	}
	return &Harness{comps: comps, sink: sink, k: k}
}

// Run grades every example under every config and returns per-config
// summaries. The cache is seeded with each base pair first so variants
// have something to retrieve against.
func (h *Harness) Run(ctx context.Context, datasetPath string, examples []Example, configs []EvalConfig) (string, []Summary, error) {
	runID := uuid.New().String()
	startedAt := time.Now()

	if err := h.sink.SaveRun(runID, datasetPath, len(configs), len(examples), startedAt); err != nil {
		return "", nil, fmt.Errorf("failed to record evaluation run: %w", err)
	}

	baseByQuestion, err := h.seedCache(ctx, examples)
	if err != nil {
		return "", nil, err
	}

	summaries := make([]Summary, 0, len(configs))
	for _, cfg := range configs {
		logger.Info("Evaluating config", zap.String("config", cfg.Name), zap.Int("examples", len(examples)))

		records := make([]Record, 0, len(examples))
		for _, ex := range examples {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			rec := h.evaluateExample(ctx, runID, cfg, ex, baseByQuestion)
			if err := h.sink.SaveRecord(rec); err != nil {
				logger.Warn("Failed to persist evaluation record", zap.Error(err))
			}
			records = append(records, rec)
		}
		summaries = append(summaries, summarize(cfg.Name, records))
	}

	logger.Info("Evaluation run complete",
		zap.String("run_id", runID),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	return runID, summaries, nil
}

// seedCache puts every distinct base pair so retrieval has a pool, and
// returns the normalized-question -> base_id mapping used for grading.
func (h *Harness) seedCache(ctx context.Context, examples []Example) (map[string]string, error) {
	baseByQuestion := make(map[string]string)
	for _, ex := range examples {
		if ex.BaseNLQuery == "" {
			continue
		}
		normalized := utils.NormalizeQuestion(ex.BaseNLQuery)
		if _, seen := baseByQuestion[normalized]; seen {
			continue
		}
		baseByQuestion[normalized] = ex.BaseID
		if err := h.comps.Cache.Put(ctx, normalized, ex.ExpectedSparql, nil); err != nil {
			return nil, fmt.Errorf("failed to seed cache with base pairs: %w", err)
		}
	}
	if h.comps.Retriever != nil {
		h.comps.Retriever.NotifyCached(ctx)
	}
	logger.Info("Seeded cache with base pairs", zap.Int("bases", len(baseByQuestion)))
	return baseByQuestion, nil
}

func (h *Harness) evaluateExample(ctx context.Context, runID string, cfg EvalConfig, ex Example, baseByQuestion map[string]string) Record {
	rec := Record{
		RunID:       runID,
		ConfigName:  cfg.Name,
		ExampleID:   ex.ID,
		BaseID:      ex.BaseID,
		VariantType: ex.VariantType,
		CreatedAt:   time.Now(),
	}
	start := time.Now()
	defer func() { rec.Latencies.EndToEndMS = time.Since(start).Milliseconds() }()

	normalized := utils.NormalizeQuestion(ex.NLQuery)

	// CacheCheck
	if cfg.Ablation.UseCache {
		if cached, ok, err := h.comps.Cache.Get(ctx, normalized); err == nil && ok {
			rec.CacheHit = true
			result := pipeline.DecodeCachedResult(cached.Bindings)
			answer := h.synthesize(ctx, &rec, ex.NLQuery, cached.Sparql, result)
			rec.Generation = ScoreGeneration(cached.Sparql, ex.ExpectedSparql, true, !result.Empty(), answer)
			return rec
		}
	}

	// Retrieve
	var exemplars []retriever.Candidate
	if cfg.Ablation.FewshotMode != retriever.ModeOff {
		retStart := time.Now()
		candidates, _, err := h.comps.Retriever.TopK(ctx, ex.NLQuery, h.k, cfg.Ablation.FewshotMode)
		rec.Latencies.RetrievalMS = time.Since(retStart).Milliseconds()
		if err != nil {
			logger.Warn("Retrieval failed during evaluation", zap.String("example", ex.ID), zap.Error(err))
		} else {
			exemplars = candidates
		}

		retrievedBaseIDs := make([]string, 0, len(exemplars))
		for _, c := range exemplars {
			retrievedBaseIDs = append(retrievedBaseIDs, baseByQuestion[utils.NormalizeQuestion(c.SourceQuestion)])
		}
		rec.Retrieval = ScoreRetrieval(retrievedBaseIDs, ex.BaseID, h.k)
	}

	// Generate
	genStart := time.Now()
	generated, err := h.comps.Generator.Generate(ctx, ex.NLQuery, exemplars, cfg.Ablation.UseOntologyContext)
	rec.Latencies.GenerateMS = time.Since(genStart).Milliseconds()
	if err != nil {
		rec.Error = fmt.Sprintf("generate: %v", err)
		rec.Generation = ScoreGeneration("", ex.ExpectedSparql, false, false, "")
		return rec
	}

	// Execute
	execSuccess := false
	resultNonEmpty := false
	execStart := time.Now()
	result, err := h.comps.Executor.Execute(ctx, generated, virtuoso.ShapeOf(generated))
	rec.Latencies.ExecuteMS = time.Since(execStart).Milliseconds()
	if err != nil {
		rec.Error = fmt.Sprintf("execute: %v", err)
	} else {
		execSuccess = true
		resultNonEmpty = !result.Empty()
	}

	// Synthesize only what executed; grading needs the final answer.
	answer := ""
	if execSuccess {
		answer = h.synthesize(ctx, &rec, ex.NLQuery, generated, result)
	}

	rec.Generation = ScoreGeneration(generated, ex.ExpectedSparql, execSuccess, resultNonEmpty, answer)
	return rec
}

func (h *Harness) synthesize(ctx context.Context, rec *Record, question, query string, result *virtuoso.Result) string {
	var sb strings.Builder
	synthStart := time.Now()
	err := h.comps.Synthesizer.Synthesize(ctx, question, query, result, func(frag string) error {
		sb.WriteString(frag)
		return nil
	})
	rec.Latencies.SynthesizeMS = time.Since(synthStart).Milliseconds()
	if err != nil {
		logger.Warn("Synthesis failed during evaluation", zap.Error(err))
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("synthesize: %v", err)
		}
		return ""
	}
	return sb.String()
}

func summarize(configName string, records []Record) Summary {
	s := Summary{ConfigName: configName, Examples: len(records)}
	if len(records) == 0 {
		return s
	}

	n := float64(len(records))
	var e2e float64
	for _, rec := range records {
		if rec.CacheHit {
			s.CacheHitRate++
		}
		s.MeanPrecisionAtK += rec.Retrieval.PrecisionAtK
		s.MeanRecallAtK += rec.Retrieval.RecallAtK
		s.MeanMRRAtK += rec.Retrieval.MRRAtK
		s.MeanNDCGAtK += rec.Retrieval.NDCGAtK
		if rec.Generation.SparqlExactMatch {
			s.ExactMatchRate++
		}
		if rec.Generation.ExecutionSuccess {
			s.ExecSuccessRate++
		}
		if rec.Generation.E2ESuccess {
			e2e++
		}
		s.MeanEndToEndMS += float64(rec.Latencies.EndToEndMS)
	}

	s.CacheHitRate /= n
	s.MeanPrecisionAtK /= n
	s.MeanRecallAtK /= n
	s.MeanMRRAtK /= n
	s.MeanNDCGAtK /= n
	s.ExactMatchRate /= n
	s.ExecSuccessRate /= n
	s.E2ESuccessRate = e2e / n
	s.MeanEndToEndMS /= n
	return s
}
