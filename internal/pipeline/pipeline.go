// Package pipeline is the public entry point: it splits a document, serves
// what it can from translation memory, translates the rest through the
// pool and merges the result.
//
// The pipeline never reads files, flags or the environment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valpere/mdtrans/internal"
	"github.com/valpere/mdtrans/internal/marker"
	"github.com/valpere/mdtrans/internal/merger"
	"github.com/valpere/mdtrans/internal/pool"
	"github.com/valpere/mdtrans/internal/refiner"
	"github.com/valpere/mdtrans/internal/segmenter"
	"github.com/valpere/mdtrans/internal/translator"
	"github.com/valpere/mdtrans/internal/validator"
)

var (
	// ErrConfiguration is returned before any backend call when the
	// configuration cannot work.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrCancelled comes with a partial result: accepted chunks are kept.
	ErrCancelled = errors.New("translation cancelled")
	// ErrAuthentication comes without a result.
	ErrAuthentication = pool.ErrAuthentication
)

// Memory stores accepted chunk translations across runs.
type Memory interface {
	Lookup(ctx context.Context, key internal.MemoryKey) (string, bool, error)
	Save(ctx context.Context, key internal.MemoryKey, translation string) error
}

// Config is everything a run needs besides the backend.
type Config struct {
	Segment       segmenter.Options
	Pool          pool.Config
	Validate      validator.Options
	SourceLang    string
	TargetLang    string
	Model         string
	Glossary      map[string]string
	ProtectInline bool
	Refine        bool
	// ContextWords is how many trailing words of the previous chunk go into
	// each prompt; zero disables the context.
	ContextWords int
	// RequestsPerMinute limits backend calls; zero means unlimited.
	RequestsPerMinute float64
}

func (c Config) validate() error {
	if err := c.Segment.Validate(); err != nil {
		return err
	}
	if c.Pool.Concurrency < 0 || c.Pool.Concurrency > pool.MaxConcurrency {
		return fmt.Errorf("concurrency %d outside [1, %d]", c.Pool.Concurrency, pool.MaxConcurrency)
	}
	if c.ContextWords < 0 {
		return fmt.Errorf("context words %d is negative", c.ContextWords)
	}
	if c.Pool.MaxRetries < 0 {
		return fmt.Errorf("max retries %d is negative", c.Pool.MaxRetries)
	}
	if c.Validate.LineTolerance < 0 || c.Validate.LineTolerance >= 1 {
		return fmt.Errorf("line tolerance %.2f outside (0, 1)", c.Validate.LineTolerance)
	}
	if c.TargetLang == "" {
		return errors.New("target language is empty")
	}
	return nil
}

// Result is the outcome of a run.
type Result struct {
	Document string
	Stats    merger.Stats
	// Failures lists chunks whose source text was kept.
	Failures []merger.Failure
	Warnings []string
	Outcomes []merger.Outcome
}

// Progress reports how far a run has come. Done counts chunks that reached
// a final state, memory hits and blank chunks included. No field ever
// decreases during a run.
type Progress struct {
	Total   int
	Done    int
	Cached  int
	Failed  int
	Retried int
}

type Pipeline struct {
	backend    translator.Backend
	cfg        Config
	logger     *slog.Logger
	memory     Memory
	detector   validator.LanguageDetector
	onProgress func(Progress)
}

// Option customises a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMemory enables lookups before translation and saves after each
// accepted chunk.
func WithMemory(m Memory) Option {
	return func(p *Pipeline) { p.memory = m }
}

// WithLanguageDetector is used when cfg.Validate.CheckLanguage is set.
func WithLanguageDetector(d validator.LanguageDetector) Option {
	return func(p *Pipeline) { p.detector = d }
}

// WithProgress registers a callback fired once memory has been consulted and
// again after every translation attempt. It runs on the pool's scheduler and
// must return quickly.
func WithProgress(fn func(Progress)) Option {
	return func(p *Pipeline) { p.onProgress = fn }
}

func New(backend translator.Backend, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend: backend,
		cfg:     cfg,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Translate runs the whole pipeline on document with a one-off Pipeline.
func Translate(ctx context.Context, document string, backend translator.Backend, cfg Config, opts ...Option) (*Result, error) {
	return New(backend, cfg, opts...).Translate(ctx, document)
}

// Plan splits document without translating it.
func (p *Pipeline) Plan(document string) (*segmenter.Result, error) {
	plan, err := segmenter.Split(document, p.cfg.Segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return plan, nil
}

// Translate translates document. Chunks that cannot be translated keep
// their source text and are listed in Result.Failures. On cancellation the
// partial result is returned with an error matching ErrCancelled; on an
// authentication failure no result is returned.
func (p *Pipeline) Translate(ctx context.Context, document string) (*Result, error) {
	if p.backend == nil {
		return nil, fmt.Errorf("%w: no backend", ErrConfiguration)
	}
	if err := p.cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	start := time.Now()
	plan, err := p.Plan(document)
	if err != nil {
		return nil, err
	}
	for _, w := range plan.Warnings {
		p.logger.Warn("segmentation", "warning", w)
	}
	p.logger.Info("document split",
		"lines", plan.TotalLines,
		"chunks", len(plan.Chunks),
		"target_lines", p.cfg.Segment.TargetLines,
	)

	codec := marker.ForDocument(document)
	v := validator.New(codec, p.cfg.Validate)
	if p.cfg.Validate.CheckLanguage && p.detector != nil {
		v.WithLanguage(p.cfg.TargetLang, p.detector)
	}

	attempts := make(map[string]*pool.Attempt, len(plan.Chunks))
	pending, err := p.prefill(ctx, plan.Chunks, attempts)
	if err != nil {
		return p.finish(plan, attempts, start, err)
	}

	prefilled := len(plan.Chunks) - len(pending)
	cached := 0
	for _, a := range attempts {
		if a.Cached {
			cached++
		}
	}
	if p.onProgress != nil {
		p.onProgress(Progress{Total: len(plan.Chunks), Done: prefilled, Cached: cached})
	}

	poolCfg := p.cfg.Pool
	poolCfg.RequestsPerMinute = p.cfg.RequestsPerMinute
	poolCfg.SourceLang = p.cfg.SourceLang
	poolCfg.TargetLang = p.cfg.TargetLang
	poolCfg.Model = p.cfg.Model
	poolCfg.Glossary = p.cfg.Glossary
	poolCfg.ProtectInline = p.cfg.ProtectInline

	opts := []pool.Option{pool.WithLogger(p.logger)}
	if p.cfg.Refine {
		opts = append(opts, pool.WithRefiner(refiner.New(p.backend, codec, v, p.cfg.SourceLang, p.cfg.TargetLang, p.cfg.Model)))
	}
	if p.memory != nil {
		// saves outlive cancellation so accepted chunks are never lost
		saveCtx := context.WithoutCancel(ctx)
		opts = append(opts, pool.WithOnResult(func(c segmenter.Chunk, a *pool.Attempt) {
			if err := p.memory.Save(saveCtx, p.memoryKey(c), a.TranslatedContent); err != nil {
				p.logger.Warn("memory save failed", "chunk", c.ID, "error", err)
			}
		}))
	}

	if p.onProgress != nil {
		opts = append(opts, pool.WithProgress(func(pr pool.Progress) {
			p.onProgress(Progress{
				Total:   len(plan.Chunks),
				Done:    prefilled + int(pr.Succeeded+pr.Failed),
				Cached:  cached,
				Failed:  int(pr.Failed),
				Retried: int(pr.Retried),
			})
		}))
	}

	if p.cfg.ContextWords > 0 {
		opts = append(opts, pool.WithPreceding(precedingContext(plan.Chunks, p.cfg.ContextWords)))
	}

	workers := pool.New(p.backend, codec, v, poolCfg, opts...)
	translated, err := workers.TranslateAll(ctx, pending)
	for id, a := range translated {
		attempts[id] = a
	}
	if errors.Is(err, pool.ErrAuthentication) {
		p.logger.Error("run aborted", "error", err)
		return nil, err
	}

	res, ferr := p.finish(plan, attempts, start, err)
	if res != nil {
		res.Stats.APICalls = int(workers.Progress().APICalls)
	}
	return res, ferr
}

// precedingContext maps every chunk but the first to the tail of the chunk
// before it.
func precedingContext(chunks []segmenter.Chunk, words int) map[string]string {
	m := make(map[string]string, len(chunks))
	for i := 1; i < len(chunks); i++ {
		if tail := translator.ExtractContext(chunks[i-1].Content, words); tail != "" {
			m[chunks[i].ID] = tail
		}
	}
	return m
}

// prefill accepts blank chunks and memory hits and returns the chunks left
// to translate.
func (p *Pipeline) prefill(ctx context.Context, chunks []segmenter.Chunk, attempts map[string]*pool.Attempt) ([]segmenter.Chunk, error) {
	hits := make([]string, len(chunks))
	found := make([]bool, len(chunks))

	if p.memory != nil {
		g, gctx := errgroup.WithContext(ctx)
		limit := p.cfg.Pool.Concurrency
		if limit <= 0 {
			limit = pool.DefaultConcurrency
		}
		g.SetLimit(limit)

		for i, c := range chunks {
			if isBlank(c.Content) {
				continue
			}
			g.Go(func() error {
				text, ok, err := p.memory.Lookup(gctx, p.memoryKey(c))
				if err != nil {
					p.logger.Warn("memory lookup failed", "chunk", c.ID, "error", err)
					return nil
				}
				hits[i], found[i] = text, ok
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	var pending []segmenter.Chunk
	for i, c := range chunks {
		switch {
		case isBlank(c.Content):
			attempts[c.ID] = accepted(c, c.Content, false)
		case found[i]:
			attempts[c.ID] = accepted(c, hits[i], true)
			p.logger.Debug("chunk served from memory", "chunk", c.ID, "seq", c.SequenceIndex)
		default:
			pending = append(pending, c)
		}
	}
	return pending, nil
}

func (p *Pipeline) finish(plan *segmenter.Result, attempts map[string]*pool.Attempt, start time.Time, runErr error) (*Result, error) {
	if runErr != nil {
		for _, c := range plan.Chunks {
			if attempts[c.ID] == nil {
				attempts[c.ID] = &pool.Attempt{ChunkID: c.ID, SequenceIndex: c.SequenceIndex, State: pool.StateCancelled}
			}
		}
	}

	merged := merger.Merge(plan.Chunks, attempts, plan.LineEnding, time.Since(start))
	for _, f := range merged.Failures {
		p.logger.Warn("chunk kept in source language",
			"chunk", f.ChunkID,
			"lines", fmt.Sprintf("%d-%d", f.StartLine+1, f.EndLine),
			"reason", f.Reason,
		)
	}

	res := &Result{
		Document: merged.Document,
		Stats:    merged.Stats,
		Failures: merged.Failures,
		Warnings: plan.Warnings,
		Outcomes: merged.Outcomes,
	}

	if runErr != nil {
		return res, fmt.Errorf("%w: %w", ErrCancelled, runErr)
	}
	return res, nil
}

func (p *Pipeline) memoryKey(c segmenter.Chunk) internal.MemoryKey {
	return internal.MemoryKey{
		Text:       c.Content,
		SourceLang: p.cfg.SourceLang,
		TargetLang: p.cfg.TargetLang,
		Model:      p.backend.Name() + "/" + p.cfg.Model,
	}
}

func accepted(c segmenter.Chunk, text string, cached bool) *pool.Attempt {
	return &pool.Attempt{
		ChunkID:           c.ID,
		SequenceIndex:     c.SequenceIndex,
		State:             pool.StateSucceeded,
		Succeeded:         true,
		TranslatedContent: text,
		Cached:            cached,
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
