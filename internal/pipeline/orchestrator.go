package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	cache "github.com/sparql-agent/backend/internal/cache/redis"
	"github.com/sparql-agent/backend/internal/metrics"
	"github.com/sparql-agent/backend/internal/retriever"
	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
	"github.com/sparql-agent/backend/pkg/logger"
	"github.com/sparql-agent/backend/pkg/utils"
)

// CacheStore is the query cache as the orchestrator sees it. Keys are
// pre-normalized by the orchestrator.
type CacheStore interface {
	Get(ctx context.Context, normalized string) (*cache.Record, bool, error)
	Put(ctx context.Context, normalized, sparql string, bindings json.RawMessage) error
	IncrementHit(ctx context.Context, normalized string) error
}

type FewshotRetriever interface {
	TopK(ctx context.Context, question string, k int, mode retriever.Mode) ([]retriever.Candidate, bool, error)
	NotifyCached(ctx context.Context)
}

type QueryGenerator interface {
	Generate(ctx context.Context, question string, exemplars []retriever.Candidate, useOntology bool) (string, error)
}

type QueryExecutor interface {
	Execute(ctx context.Context, query string, shape virtuoso.Shape) (*virtuoso.Result, error)
}

type AnswerSynthesizer interface {
	Synthesize(ctx context.Context, question, query string, result *virtuoso.Result, emit func(string) error) error
}

// Timeouts bound each backend call individually. A zero value disables
// the bound for that stage.
type Timeouts struct {
	Cache      time.Duration
	Retrieve   time.Duration
	Generate   time.Duration
	Execute    time.Duration
	Synthesize time.Duration
}

type Options struct {
	FewshotK         int
	Timeouts         Timeouts
	ThinkingInterval time.Duration
}

// Orchestrator drives one question through
// CacheCheck -> Retrieve -> Generate -> Execute -> Synthesize,
// emitting progress and answer fragments as a stream of Events.
type Orchestrator struct {
	cache       CacheStore
	retriever   FewshotRetriever
	generator   QueryGenerator
	executor    QueryExecutor
	synthesizer AnswerSynthesizer
	opts        Options
}

func New(cacheStore CacheStore, ret FewshotRetriever, gen QueryGenerator, exec QueryExecutor, synth AnswerSynthesizer, opts Options) *Orchestrator {
	if opts.FewshotK <= 0 {
		opts.FewshotK = 5
	}
	if opts.ThinkingInterval <= 0 {
		opts.ThinkingInterval = 15 * time.Second
	}
	return &Orchestrator{
		cache:       cacheStore,
		retriever:   ret,
		generator:   gen,
		executor:    exec,
		synthesizer: synth,
		opts:        opts,
	}
}

// Resolve answers the question as a stream of events. The channel is
// closed after exactly one terminal event (Done or Error). Cancelling ctx
// abandons any stage still pending.
func (o *Orchestrator) Resolve(ctx context.Context, question string, ablation AblationConfig) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		o.run(ctx, question, ablation, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, question string, ablation AblationConfig, events chan<- Event) {
	start := time.Now()
	normalized := utils.NormalizeQuestion(question)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(msg string) {
		emit(errorEvent(msg))
		metrics.RecordPipelineOutcome("error")
	}

	// CacheCheck. A single fast lookup, so no status line of its own; the
	// hit path announces itself instead.
	var cached *cache.Record
	if ablation.UseCache {
		cached = o.lookupCache(ctx, normalized)
	}

	var query string
	var result *virtuoso.Result

	if cached != nil {
		if !emit(statusEvent(StatusCacheHit)) {
			return
		}
		query = cached.Sparql
		result = DecodeCachedResult(cached.Bindings)
		metrics.RecordCacheHit()

		hitCtx, cancel := o.stageContext(ctx, o.opts.Timeouts.Cache)
		if err := o.cache.IncrementHit(hitCtx, normalized); err != nil {
			logger.Warn("Failed to increment cache hit counter", zap.Error(err))
		}
		cancel()
	} else {
		if ablation.UseCache {
			metrics.RecordCacheMiss()
		}

		// Retrieve
		var exemplars []retriever.Candidate
		if ablation.FewshotMode != retriever.ModeOff {
			if !emit(statusEvent(StatusRetrieving)) {
				return
			}
			exemplars = o.retrieve(ctx, question, ablation.FewshotMode, emit)
		}
		if ctx.Err() != nil {
			fail(msgRequestCancelled)
			return
		}

		// Generate
		if !emit(statusEvent(StatusGenerating)) {
			return
		}
		genStart := time.Now()
		genCtx, cancel := o.stageContext(ctx, o.opts.Timeouts.Generate)
		generated, err := o.generator.Generate(genCtx, question, exemplars, ablation.UseOntologyContext)
		cancel()
		metrics.ObserveStageDuration("generate", time.Since(genStart))
		if err != nil {
			logger.Error("Query generation failed",
				zap.String("question", question),
				zap.Error(err),
			)
			fail(msgGenerationFailed)
			return
		}
		query = generated

		// Execute
		if !emit(statusEvent(StatusExecuting)) {
			return
		}
		execStart := time.Now()
		execCtx, cancel := o.stageContext(ctx, o.opts.Timeouts.Execute)
		result, err = o.executor.Execute(execCtx, query, virtuoso.ShapeOf(query))
		cancel()
		metrics.ObserveStageDuration("execute", time.Since(execStart))
		if err != nil {
			fail(o.executionMessage(question, query, err))
			return
		}
	}

	// Synthesize
	if !emit(statusEvent(StatusSynthesizing)) {
		return
	}
	synthStart := time.Now()
	if err := o.synthesize(ctx, question, query, result, emit); err != nil {
		if errors.Is(err, context.Canceled) {
			fail(msgRequestCancelled)
			return
		}
		logger.Error("Answer synthesis failed", zap.Error(err))
		fail(msgSynthesisFailed)
		return
	}
	metrics.ObserveStageDuration("synthesize", time.Since(synthStart))

	// Write-through before the terminal event so a subsequent identical
	// request can hit.
	if cached == nil && ablation.UseCache {
		o.writeThrough(ctx, normalized, query, result)
	}

	emit(doneEvent())
	metrics.RecordPipelineOutcome("success")
	logger.Info("Resolved question",
		zap.String("question", question),
		zap.Bool("cache_hit", cached != nil),
		zap.Duration("total", time.Since(start)),
	)
}

func (o *Orchestrator) lookupCache(ctx context.Context, normalized string) *cache.Record {
	cacheCtx, cancel := o.stageContext(ctx, o.opts.Timeouts.Cache)
	defer cancel()

	record, ok, err := o.cache.Get(cacheCtx, normalized)
	if err != nil {
		// Unavailability degrades to a bypass, it never fails the request.
		logger.Warn("Cache store unavailable, bypassing cache", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return record
}

func (o *Orchestrator) retrieve(ctx context.Context, question string, mode retriever.Mode, emit func(Event) bool) []retriever.Candidate {
	retCtx, cancel := o.stageContext(ctx, o.opts.Timeouts.Retrieve)
	defer cancel()

	start := time.Now()
	exemplars, degraded, err := o.retriever.TopK(retCtx, question, o.opts.FewshotK, mode)
	metrics.ObserveStageDuration("retrieve", time.Since(start))
	if err != nil {
		// Few-shot context is an enhancement; generation proceeds without it.
		logger.Warn("Similar-question retrieval failed, proceeding without examples", zap.Error(err))
		return nil
	}
	if degraded {
		metrics.RecordRetrievalStrategy("jaccard_degraded")
		emit(statusEvent("Similarity search degraded, using lexical matching..."))
	} else {
		metrics.RecordRetrievalStrategy(string(mode))
	}
	return exemplars
}

// synthesize streams fragments and keeps the stream alive with rotating
// thinking messages when the model stalls past ThinkingInterval.
func (o *Orchestrator) synthesize(ctx context.Context, question, query string, result *virtuoso.Result, emit func(Event) bool) error {
	synthCtx, cancel := o.stageContext(ctx, o.opts.Timeouts.Synthesize)
	defer cancel()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	tickerDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	// The terminal event and channel close happen after synthesize
	// returns, so the ticker goroutine must be fully drained first.
	defer wg.Wait()
	defer close(tickerDone)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.opts.ThinkingInterval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-tickerDone:
				return
			case <-synthCtx.Done():
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle >= o.opts.ThinkingInterval {
					emit(statusEvent(thinkingMessages[i%len(thinkingMessages)]))
					i++
				}
			}
		}
	}()

	return o.synthesizer.Synthesize(synthCtx, question, query, result, func(frag string) error {
		lastActivity.Store(time.Now().UnixNano())
		if !emit(chunkEvent(frag)) {
			return context.Canceled
		}
		return nil
	})
}

func (o *Orchestrator) writeThrough(ctx context.Context, normalized, query string, result *virtuoso.Result) {
	bindings, err := json.Marshal(result)
	if err != nil {
		logger.Warn("Failed to encode result for caching", zap.Error(err))
		return
	}

	// Advisory write: use a detached context so a caller disconnecting
	// right at the end does not lose the record.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.cache.Put(writeCtx, normalized, query, bindings); err != nil {
		logger.Warn("Cache write-through failed", zap.Error(err))
		return
	}
	if o.retriever != nil {
		o.retriever.NotifyCached(writeCtx)
	}
}

func (o *Orchestrator) executionMessage(question, query string, err error) string {
	var execErr *virtuoso.ExecutionError
	kind := virtuoso.KindUnreachable
	if errors.As(err, &execErr) {
		kind = execErr.Kind
	}

	logger.Error("Query execution failed",
		zap.String("question", question),
		zap.String("query", query),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)

	switch kind {
	case virtuoso.KindMalformed:
		return msgQueryRejected
	case virtuoso.KindTimeout:
		return msgBackendTimeout
	default:
		return msgBackendDown
	}
}

func (o *Orchestrator) stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// DecodeCachedResult tolerates undecodable cached bindings: synthesis
// then sees an empty result instead of the request failing.
func DecodeCachedResult(raw json.RawMessage) *virtuoso.Result {
	if len(raw) == 0 {
		return &virtuoso.Result{}
	}
	var result virtuoso.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		logger.Warn("Discarding undecodable cached bindings", zap.Error(err))
		return &virtuoso.Result{}
	}
	return &result
}
