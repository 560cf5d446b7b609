// Package pool dispatches chunks to a translation backend under bounded
// concurrency.
//
// A single scheduler goroutine owns every chunk's state. Workers run one
// attempt each and report back over a channel; a failed chunk waits out its
// backoff without holding a slot and then rejoins the queue as the same work
// item, so a chunk is never in flight twice.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/valpere/mdtrans/internal/marker"
	"github.com/valpere/mdtrans/internal/placeholder"
	"github.com/valpere/mdtrans/internal/postprocess"
	"github.com/valpere/mdtrans/internal/segmenter"
	"github.com/valpere/mdtrans/internal/translator"
	"github.com/valpere/mdtrans/internal/validator"
)

const (
	DefaultConcurrency = 5
	MaxConcurrency     = 20
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 300 * time.Second
)

// ReasonPlaceholders is reported when protected inline tokens did not
// survive translation.
const ReasonPlaceholders = "placeholders missing"

// jitterFraction bounds the random extension of a backoff delay.
const jitterFraction = 0.25

var (
	// ErrAuthentication aborts the run: every further call would fail the
	// same way.
	ErrAuthentication = errors.New("backend rejected credentials")
	// ErrCancelled is returned when the run context ends before every chunk
	// reached a terminal state.
	ErrCancelled = errors.New("translation cancelled")
)

// State is the lifecycle position of a chunk.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateRetrying
	StateSucceeded
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempt will be made.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateCancelled
}

// Attempt is the latest attempt for one chunk.
type Attempt struct {
	ChunkID       string
	SequenceIndex int
	State         State
	Succeeded     bool
	// TranslatedContent is the unwrapped translation; empty unless
	// Succeeded.
	TranslatedContent string
	ErrorKind         translator.ErrorKind
	Err               error
	Reasons           []string
	// RetryCount is the retry number of the latest attempt, zero for the
	// first one.
	RetryCount   int
	Attempts     int
	Elapsed      time.Duration
	TotalElapsed time.Duration
	Refined      bool
	// Cached marks a translation taken from memory without a backend call.
	Cached bool
}

// FailureReason describes why a chunk did not succeed.
func (a *Attempt) FailureReason() string {
	switch {
	case a.Succeeded:
		return ""
	case a.State == StateCancelled:
		return "cancelled"
	case len(a.Reasons) > 0:
		return fmt.Sprintf("validation failed after %d attempts: %v", a.Attempts, a.Reasons)
	case a.Err != nil:
		return fmt.Sprintf("%s error after %d attempts: %v", a.ErrorKind, a.Attempts, a.Err)
	default:
		return "not translated"
	}
}

// Config tunes the pool. The first block is read from the configuration
// file; the rest is per run.
type Config struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency" jsonschema:"minimum=1,maximum=20"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries" jsonschema:"minimum=0"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
	Jitter      bool          `mapstructure:"jitter" yaml:"jitter" json:"jitter"`

	RequestsPerMinute float64           `mapstructure:"-" yaml:"-" json:"-"`
	SourceLang        string            `mapstructure:"-" yaml:"-" json:"-"`
	TargetLang        string            `mapstructure:"-" yaml:"-" json:"-"`
	Model             string            `mapstructure:"-" yaml:"-" json:"-"`
	Glossary          map[string]string `mapstructure:"-" yaml:"-" json:"-"`
	ProtectInline     bool              `mapstructure:"-" yaml:"-" json:"-"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency > MaxConcurrency {
		c.Concurrency = MaxConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Refiner polishes an accepted translation. A returned error keeps the
// draft.
type Refiner interface {
	Refine(ctx context.Context, original, draft string) (string, error)
}

// Progress is a snapshot of the live counters. Every field only grows
// during a run.
type Progress struct {
	Total     int64
	Submitted int64
	Succeeded int64
	Failed    int64
	Retried   int64
	APICalls  int64
}

type counters struct {
	total     atomic.Int64
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	apiCalls  atomic.Int64
}

type Pool struct {
	backend    translator.Backend
	codec      *marker.Codec
	validator  *validator.Validator
	cfg        Config
	logger     *slog.Logger
	limiter    *rate.Limiter
	refiner    Refiner
	onResult   func(segmenter.Chunk, *Attempt)
	onProgress func(Progress)
	preceding  map[string]string
	counters   counters
}

// Option customises a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithRefiner(r Refiner) Option {
	return func(p *Pool) { p.refiner = r }
}

// WithOnResult registers a callback invoked from the scheduler goroutine
// each time a chunk succeeds.
func WithOnResult(fn func(segmenter.Chunk, *Attempt)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// WithProgress registers a callback invoked from the scheduler goroutine
// after every finished attempt. It must return quickly.
func WithProgress(fn func(Progress)) Option {
	return func(p *Pool) { p.onProgress = fn }
}

// WithPreceding supplies, per chunk ID, source text that precedes the chunk.
// It is added to the prompt as context.
func WithPreceding(m map[string]string) Option {
	return func(p *Pool) { p.preceding = m }
}

// New builds a pool. codec and v must belong to the same run.
func New(backend translator.Backend, codec *marker.Codec, v *validator.Validator, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		backend:   backend,
		codec:     codec,
		validator: v,
		cfg:       cfg.withDefaults(),
		logger:    slog.New(slog.DiscardHandler),
	}
	if p.cfg.RequestsPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerMinute/60), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Progress returns the current counter values. Safe for concurrent use.
func (p *Pool) Progress() Progress {
	return Progress{
		Total:     p.counters.total.Load(),
		Submitted: p.counters.submitted.Load(),
		Succeeded: p.counters.succeeded.Load(),
		Failed:    p.counters.failed.Load(),
		Retried:   p.counters.retried.Load(),
		APICalls:  p.counters.apiCalls.Load(),
	}
}

// Backoff returns the delay before retrying an attempt whose retry number
// was retry. A server-requested delay raises it; MaxDelay caps both.
func (p *Pool) Backoff(retry int, retryAfter time.Duration) time.Duration {
	d := p.cfg.BaseDelay
	for i := 0; i < retry && d < p.cfg.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, p.cfg.MaxDelay)
	if retryAfter > d {
		d = retryAfter
	}
	if p.cfg.Jitter {
		d += time.Duration(rand.Float64() * jitterFraction * float64(d))
	}
	return min(d, p.cfg.MaxDelay)
}

type event struct {
	idx     int
	retry   int
	text    string
	refined bool
	err     error
	reasons []string
	elapsed time.Duration
}

// TranslateAll translates chunks and returns the latest attempt per chunk
// id. Exhausted chunks do not fail the run. An authentication failure
// returns an error matching ErrAuthentication, cancellation one matching
// ErrCancelled; in both cases the attempts gathered so far are returned.
func (p *Pool) TranslateAll(ctx context.Context, chunks []segmenter.Chunk) (map[string]*Attempt, error) {
	attempts := make(map[string]*Attempt, len(chunks))
	for _, c := range chunks {
		attempts[c.ID] = &Attempt{ChunkID: c.ID, SequenceIndex: c.SequenceIndex}
	}
	if len(chunks) == 0 {
		return attempts, nil
	}
	p.counters.total.Add(int64(len(chunks)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event)
	ready := make(chan int)
	queue := make([]int, len(chunks))
	for i := range chunks {
		queue[i] = i
	}

	var (
		inFlight  int
		remaining = len(chunks)
		abortErr  error
		done      = runCtx.Done()
	)

	for remaining > 0 {
		for runCtx.Err() == nil && inFlight < p.cfg.Concurrency && len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			a := attempts[chunks[idx].ID]
			a.State = StateInFlight
			inFlight++
			p.counters.submitted.Add(1)

			go func(c segmenter.Chunk, idx, retry int) {
				ev := p.attempt(runCtx, c, retry)
				ev.idx = idx
				events <- ev
			}(chunks[idx], idx, a.Attempts)
		}

		if runCtx.Err() != nil && inFlight == 0 {
			break
		}

		select {
		case ev := <-events:
			inFlight--
			c := chunks[ev.idx]
			a := attempts[c.ID]
			switch p.record(runCtx, c, a, ev) {
			case StateSucceeded:
				remaining--
				if p.onResult != nil {
					p.onResult(c, a)
				}
			case StateExhausted:
				remaining--
				if translator.KindOf(ev.err) == translator.KindAuthentication && abortErr == nil {
					abortErr = fmt.Errorf("%w: chunk %s: %w", ErrAuthentication, c.ID, ev.err)
					cancel()
				}
			case StateCancelled:
				remaining--
			case StateRetrying:
				delay := p.Backoff(ev.retry, translator.RetryAfterOf(ev.err))
				go wait(runCtx, delay, ev.idx, ready)
			}
			if p.onProgress != nil {
				p.onProgress(p.Progress())
			}
		case idx := <-ready:
			queue = append(queue, idx)
		case <-done:
			done = nil
		}
	}

	for _, a := range attempts {
		if !a.State.Terminal() {
			a.State = StateCancelled
		}
	}

	if abortErr != nil {
		return attempts, abortErr
	}
	if remaining > 0 {
		return attempts, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	return attempts, nil
}

// record applies one finished attempt to a and returns the chunk's new
// state.
func (p *Pool) record(runCtx context.Context, c segmenter.Chunk, a *Attempt, ev event) State {
	a.Attempts++
	a.RetryCount = ev.retry
	a.Elapsed = ev.elapsed
	a.TotalElapsed += ev.elapsed
	a.Err = ev.err
	a.Reasons = ev.reasons
	a.ErrorKind = translator.KindUnknown
	if ev.err != nil {
		a.ErrorKind = translator.KindOf(ev.err)
	}

	log := p.logger.With(
		"chunk", c.ID,
		"seq", c.SequenceIndex,
		"retry", ev.retry,
		"elapsed", ev.elapsed.Round(time.Millisecond),
	)

	switch {
	case ev.err == nil && len(ev.reasons) == 0:
		a.State = StateSucceeded
		a.Succeeded = true
		a.TranslatedContent = ev.text
		a.Refined = ev.refined
		p.counters.succeeded.Add(1)
		log.Info("chunk translated", "outcome", "succeeded", "refined", ev.refined)

	case runCtx.Err() != nil:
		a.State = StateCancelled
		log.Warn("chunk attempt abandoned", "outcome", "cancelled")

	case ev.err != nil && !a.ErrorKind.Retryable():
		a.State = StateExhausted
		p.counters.failed.Add(1)
		log.Warn("chunk attempt failed", "outcome", "failed", "kind", a.ErrorKind, "error", ev.err)

	case ev.retry >= p.cfg.MaxRetries:
		a.State = StateExhausted
		p.counters.failed.Add(1)
		if ev.err != nil {
			log.Warn("chunk attempt failed", "outcome", "exhausted", "kind", a.ErrorKind, "error", ev.err)
		} else {
			log.Warn("chunk attempt failed", "outcome", "exhausted", "reasons", ev.reasons)
		}

	default:
		a.State = StateRetrying
		p.counters.retried.Add(1)
		if ev.err != nil {
			log.Warn("chunk attempt failed", "outcome", "retrying", "kind", a.ErrorKind, "error", ev.err)
		} else {
			log.Warn("chunk attempt failed", "outcome", "retrying", "reasons", ev.reasons)
		}
	}
	return a.State
}

func wait(ctx context.Context, d time.Duration, idx int, ready chan<- int) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}
	select {
	case ready <- idx:
	case <-ctx.Done():
	}
}

// attempt runs one translation of c: protect, wrap, call, clean, restore,
// validate and optionally refine.
func (p *Pool) attempt(ctx context.Context, c segmenter.Chunk, retry int) event {
	ev := event{retry: retry}

	text := c.Content
	var protected *placeholder.Set
	if p.cfg.ProtectInline {
		text, protected = placeholder.Protect(text)
	}
	marked := p.codec.Wrap(text)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			ev.err = err
			return ev
		}
	}

	system, prompt := translator.BuildPrompt(translator.PromptOptions{
		SourceLang:  p.cfg.SourceLang,
		TargetLang:  p.cfg.TargetLang,
		Glossary:    p.cfg.Glossary,
		OpenMarker:  p.codec.Open(),
		CloseMarker: p.codec.Close(),
		Context:     p.preceding[c.ID],
	}, marked)
	if protected != nil && protected.Len() > 0 {
		system += "\n" + protected.InstructionHint()
	}

	start := time.Now()
	p.counters.apiCalls.Add(1)
	raw, err := p.backend.Complete(ctx, translator.Request{
		System:     system,
		Prompt:     prompt,
		Text:       marked,
		SourceLang: p.cfg.SourceLang,
		TargetLang: p.cfg.TargetLang,
		Model:      p.cfg.Model,
	})
	if err != nil {
		ev.err = err
		ev.elapsed = time.Since(start)
		return ev
	}

	out := postprocess.Clean(raw, p.codec.Open(), p.codec.Close())
	var reasons []string
	if protected != nil && protected.Len() > 0 {
		if len(protected.Missing(out)) > 0 {
			reasons = append(reasons, ReasonPlaceholders)
		}
		out = protected.Restore(out)
	}

	outcome := p.validator.Validate(c.Content, out)
	reasons = append(reasons, outcome.Reasons...)
	if len(reasons) > 0 {
		ev.reasons = reasons
		ev.elapsed = time.Since(start)
		return ev
	}

	body, err := p.codec.Unwrap(out)
	if err != nil {
		ev.reasons = []string{validator.ReasonMarkers}
		ev.elapsed = time.Since(start)
		return ev
	}

	if p.refiner != nil {
		p.counters.apiCalls.Add(1)
		refined, err := p.refiner.Refine(ctx, c.Content, body)
		if err == nil {
			body = refined
			ev.refined = true
		} else {
			p.logger.Debug("refinement discarded", "chunk", c.ID, "error", err)
		}
	}

	ev.text = body
	ev.elapsed = time.Since(start)
	return ev
}
