package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/mdtrans/internal/marker"
	"github.com/valpere/mdtrans/internal/segmenter"
	"github.com/valpere/mdtrans/internal/translator"
	"github.com/valpere/mdtrans/internal/validator"
)

// fakeBackend echoes the marked chunk back, which the validator accepts.
type fakeBackend struct {
	calls    atomic.Int32
	current  atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	complete func(ctx context.Context, req translator.Request, call int32) (string, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(ctx context.Context, req translator.Request) (string, error) {
	call := f.calls.Add(1)
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.complete != nil {
		return f.complete(ctx, req, call)
	}
	return req.Prompt, nil
}

func makeChunks(n int) []segmenter.Chunk {
	chunks := make([]segmenter.Chunk, n)
	for i := range chunks {
		chunks[i] = segmenter.Chunk{
			ID:            fmt.Sprintf("chunk_%03d", i),
			Content:       fmt.Sprintf("Paragraph number %d.\n", i),
			StartLine:     i,
			EndLine:       i + 1,
			SequenceIndex: i,
		}
	}
	return chunks
}

func newTestPool(b translator.Backend, cfg Config, opts ...Option) *Pool {
	codec := marker.New("test")
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 5 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 50 * time.Millisecond
	}
	return New(b, codec, validator.New(codec, validator.DefaultOptions()), cfg, opts...)
}

func TestTranslateAll_AllSucceed(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend, Config{Concurrency: 4, MaxRetries: 3})
	chunks := makeChunks(12)

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != len(chunks) {
		t.Fatalf("expected %d attempts, got %d", len(chunks), len(attempts))
	}
	for _, c := range chunks {
		a := attempts[c.ID]
		if !a.Succeeded || a.State != StateSucceeded {
			t.Errorf("chunk %s: expected success, got %s", c.ID, a.State)
		}
		if a.TranslatedContent != c.Content {
			t.Errorf("chunk %s: expected echoed content %q, got %q", c.ID, c.Content, a.TranslatedContent)
		}
		if a.Attempts != 1 || a.RetryCount != 0 {
			t.Errorf("chunk %s: expected a single attempt, got %d (retry %d)", c.ID, a.Attempts, a.RetryCount)
		}
	}

	progress := p.Progress()
	if progress.Succeeded != 12 || progress.Failed != 0 || progress.APICalls != 12 {
		t.Errorf("unexpected progress %+v", progress)
	}
}

func TestTranslateAll_BoundedConcurrency(t *testing.T) {
	backend := &fakeBackend{delay: 20 * time.Millisecond}
	p := newTestPool(backend, Config{Concurrency: 3})

	if _, err := p.TranslateAll(context.Background(), makeChunks(15)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.maxSeen.Load(); got > 3 {
		t.Errorf("expected at most 3 concurrent calls, saw %d", got)
	}
	if got := backend.maxSeen.Load(); got < 2 {
		t.Errorf("expected calls to overlap, saw %d", got)
	}
}

func TestTranslateAll_RateLimitedThenSuccess(t *testing.T) {
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, call int32) (string, error) {
		if call <= 2 {
			return "", &translator.Error{Kind: translator.KindRateLimited, Status: 429, Err: errors.New("slow down")}
		}
		return req.Prompt, nil
	}
	base := 20 * time.Millisecond
	p := newTestPool(backend, Config{Concurrency: 1, MaxRetries: 3, BaseDelay: base, MaxDelay: time.Second})
	chunks := makeChunks(1)

	start := time.Now()
	attempts, err := p.TranslateAll(context.Background(), chunks)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := attempts[chunks[0].ID]
	if !a.Succeeded {
		t.Fatalf("expected success, got %s: %v", a.State, a.Err)
	}
	if a.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", a.Attempts)
	}
	if a.RetryCount != 2 {
		t.Errorf("expected retryCount 2, got %d", a.RetryCount)
	}
	if elapsed < 3*base {
		t.Errorf("expected backoff of at least %v, run took %v", 3*base, elapsed)
	}
	if got := p.Progress().Retried; got != 2 {
		t.Errorf("expected 2 retries, got %d", got)
	}
}

func TestTranslateAll_ValidationExhausted(t *testing.T) {
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, _ int32) (string, error) {
		if strings.Contains(req.Prompt, "number 5.") {
			return "truncated output", nil
		}
		return req.Prompt, nil
	}
	p := newTestPool(backend, Config{Concurrency: 3, MaxRetries: 2})
	chunks := makeChunks(10)

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("exhausted chunk must not fail the run: %v", err)
	}

	failed := attempts[chunks[5].ID]
	if failed.State != StateExhausted || failed.Succeeded {
		t.Fatalf("expected chunk 5 exhausted, got %s", failed.State)
	}
	if failed.Attempts != 3 {
		t.Errorf("expected 1+2 attempts, got %d", failed.Attempts)
	}
	if len(failed.Reasons) == 0 || failed.Reasons[0] != validator.ReasonMarkers {
		t.Errorf("expected marker reason, got %v", failed.Reasons)
	}
	if !strings.Contains(failed.FailureReason(), validator.ReasonMarkers) {
		t.Errorf("unexpected failure reason %q", failed.FailureReason())
	}
	for i, c := range chunks {
		if i != 5 && !attempts[c.ID].Succeeded {
			t.Errorf("chunk %d: expected success", i)
		}
	}
	if got := p.Progress().Failed; got != 1 {
		t.Errorf("expected 1 failed chunk, got %d", got)
	}
}

func TestTranslateAll_UnknownErrorNotRetried(t *testing.T) {
	backend := &fakeBackend{}
	backend.complete = func(context.Context, translator.Request, int32) (string, error) {
		return "", errors.New("malformed response")
	}
	p := newTestPool(backend, Config{Concurrency: 1, MaxRetries: 3})
	chunks := makeChunks(1)

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := attempts[chunks[0].ID]
	if a.State != StateExhausted || a.Attempts != 1 {
		t.Errorf("expected one failed attempt, got %s after %d", a.State, a.Attempts)
	}
	if a.ErrorKind != translator.KindUnknown {
		t.Errorf("expected unknown kind, got %s", a.ErrorKind)
	}
}

func TestTranslateAll_AuthenticationAborts(t *testing.T) {
	backend := &fakeBackend{delay: 5 * time.Millisecond}
	backend.complete = func(context.Context, translator.Request, int32) (string, error) {
		return "", &translator.Error{Kind: translator.KindAuthentication, Status: 401, Err: errors.New("bad key")}
	}
	p := newTestPool(backend, Config{Concurrency: 2, MaxRetries: 3})

	_, err := p.TranslateAll(context.Background(), makeChunks(20))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if translator.KindOf(err) != translator.KindAuthentication {
		t.Errorf("expected backend error to be wrapped, got %v", err)
	}
	if got := backend.calls.Load(); got >= 20 {
		t.Errorf("expected run to stop early, backend saw %d calls", got)
	}
}

func TestTranslateAll_Cancellation(t *testing.T) {
	backend := &fakeBackend{delay: time.Hour}
	p := newTestPool(backend, Config{Concurrency: 2})
	chunks := makeChunks(6)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	attempts, err := p.TranslateAll(ctx, chunks)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	for _, c := range chunks {
		if s := attempts[c.ID].State; s != StateCancelled {
			t.Errorf("chunk %s: expected cancelled, got %s", c.ID, s)
		}
	}
	if got := backend.calls.Load(); got != 2 {
		t.Errorf("expected only the first 2 chunks dispatched, got %d", got)
	}
}

func TestTranslateAll_CancellationKeepsAccepted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &fakeBackend{}
	backend.complete = func(ctx context.Context, req translator.Request, call int32) (string, error) {
		if call == 1 {
			return req.Prompt, nil
		}
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}
	p := newTestPool(backend, Config{Concurrency: 1})
	chunks := makeChunks(3)

	attempts, err := p.TranslateAll(ctx, chunks)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !attempts[chunks[0].ID].Succeeded {
		t.Error("expected the chunk accepted before cancellation to be kept")
	}
	if attempts[chunks[1].ID].State != StateCancelled || attempts[chunks[2].ID].State != StateCancelled {
		t.Error("expected remaining chunks to be cancelled")
	}
}

func TestTranslateAll_NoChunkInFlightTwice(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight = map[string]bool{}
		seen     = map[string]int{}
		dup      atomic.Bool
	)
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, _ int32) (string, error) {
		mu.Lock()
		if inFlight[req.Prompt] {
			dup.Store(true)
		}
		inFlight[req.Prompt] = true
		seen[req.Prompt]++
		first := seen[req.Prompt] == 1
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight[req.Prompt] = false
		mu.Unlock()

		if first {
			return "", &translator.Error{Kind: translator.KindTransient, Status: 503, Err: errors.New("busy")}
		}
		return req.Prompt, nil
	}
	p := newTestPool(backend, Config{Concurrency: 5, MaxRetries: 2, BaseDelay: time.Millisecond})
	chunks := makeChunks(20)

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup.Load() {
		t.Error("a chunk was in flight twice")
	}
	for _, c := range chunks {
		if a := attempts[c.ID]; !a.Succeeded || a.Attempts != 2 {
			t.Errorf("chunk %s: expected success on second attempt, got %s after %d", c.ID, a.State, a.Attempts)
		}
	}
}

func TestTranslateAll_OnResult(t *testing.T) {
	var got []string
	p := newTestPool(&fakeBackend{}, Config{Concurrency: 2}, WithOnResult(func(c segmenter.Chunk, a *Attempt) {
		got = append(got, c.ID)
		if !a.Succeeded {
			t.Errorf("callback for unsuccessful chunk %s", c.ID)
		}
	}))

	if _, err := p.TranslateAll(context.Background(), makeChunks(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 callbacks, got %d", len(got))
	}
}

func TestTranslateAll_ProtectInline(t *testing.T) {
	var sent string
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, _ int32) (string, error) {
		sent = req.Prompt
		return req.Prompt, nil
	}
	p := newTestPool(backend, Config{Concurrency: 1, ProtectInline: true})
	chunks := []segmenter.Chunk{{ID: "c0", Content: "Run `make` now.\n"}}

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(sent, "`make`") || !strings.Contains(sent, "[PH0]") {
		t.Errorf("expected inline code to be protected, sent %q", sent)
	}
	if got := attempts["c0"].TranslatedContent; got != chunks[0].Content {
		t.Errorf("expected restored content, got %q", got)
	}
}

func TestTranslateAll_PlaceholderLossRetried(t *testing.T) {
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, _ int32) (string, error) {
		return strings.ReplaceAll(req.Prompt, "[PH0]", "make"), nil
	}
	p := newTestPool(backend, Config{Concurrency: 1, MaxRetries: 1, ProtectInline: true})
	chunks := []segmenter.Chunk{{ID: "c0", Content: "Run `make` now.\n"}}

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := attempts["c0"]
	if a.State != StateExhausted || a.Attempts != 2 {
		t.Fatalf("expected exhaustion after 2 attempts, got %s after %d", a.State, a.Attempts)
	}
	if a.Reasons[0] != ReasonPlaceholders {
		t.Errorf("expected placeholder reason, got %v", a.Reasons)
	}
}

func TestTranslateAll_LiteralPlaceholderInContent(t *testing.T) {
	var sent string
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, _ int32) (string, error) {
		sent = req.System
		return req.Prompt, nil
	}
	p := newTestPool(backend, Config{Concurrency: 1, ProtectInline: true})
	chunks := []segmenter.Chunk{{ID: "c0", Content: "Tokens such as [PH0] stay; run `make`.\n"}}

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := attempts["c0"]
	if a.State != StateSucceeded || a.TranslatedContent != chunks[0].Content {
		t.Errorf("expected the literal token kept, got %s %q", a.State, a.TranslatedContent)
	}
	if !strings.Contains(sent, "[PHXn]") {
		t.Errorf("expected the hint to name the collision-free tag, got %q", sent)
	}
}

func TestTranslateAll_ReasoningTagsInContent(t *testing.T) {
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, _ int32) (string, error) {
		return req.Text, nil
	}
	p := newTestPool(backend, Config{Concurrency: 2, MaxRetries: 1})
	chunks := []segmenter.Chunk{
		{ID: "c0", Content: "Reasoning models wrap thoughts in `<think>` and\nclose them with `</think>` before answering.\n", SequenceIndex: 0},
		{ID: "c1", Content: "Some providers stream the <reasoning> element.\n", SequenceIndex: 1},
	}

	attempts, err := p.TranslateAll(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range chunks {
		a := attempts[c.ID]
		if a.State != StateSucceeded || a.Attempts != 1 {
			t.Errorf("chunk %s: expected first-attempt success, got %s after %d (%v)", c.ID, a.State, a.Attempts, a.Reasons)
		}
		if a.TranslatedContent != c.Content {
			t.Errorf("chunk %s: content changed to %q", c.ID, a.TranslatedContent)
		}
	}
}

type fakeRefiner struct {
	out string
	err error
}

func (f fakeRefiner) Refine(context.Context, string, string) (string, error) { return f.out, f.err }

func TestTranslateAll_Refiner(t *testing.T) {
	chunks := makeChunks(1)

	p := newTestPool(&fakeBackend{}, Config{}, WithRefiner(fakeRefiner{out: "polished\n"}))
	attempts, _ := p.TranslateAll(context.Background(), chunks)
	if a := attempts[chunks[0].ID]; a.TranslatedContent != "polished\n" || !a.Refined {
		t.Errorf("expected refined text, got %q (refined=%v)", a.TranslatedContent, a.Refined)
	}

	p = newTestPool(&fakeBackend{}, Config{}, WithRefiner(fakeRefiner{err: errors.New("rejected")}))
	attempts, _ = p.TranslateAll(context.Background(), chunks)
	if a := attempts[chunks[0].ID]; a.TranslatedContent != chunks[0].Content || a.Refined {
		t.Errorf("expected draft to be kept, got %q", a.TranslatedContent)
	}
}

func TestTranslateAll_Empty(t *testing.T) {
	p := newTestPool(&fakeBackend{}, Config{})
	attempts, err := p.TranslateAll(context.Background(), nil)
	if err != nil || len(attempts) != 0 {
		t.Errorf("expected empty result, got %v %v", attempts, err)
	}
}

func TestBackoff(t *testing.T) {
	p := New(nil, nil, nil, Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second})

	tests := []struct {
		retry      int
		retryAfter time.Duration
		want       time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{3, 0, 8 * time.Second},
		{4, 0, 10 * time.Second},
		{100, 0, 10 * time.Second},
		{0, 4 * time.Second, 4 * time.Second},
		{2, time.Second, 4 * time.Second},
		{0, time.Minute, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retry, tt.retryAfter); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.retry, tt.retryAfter, got, tt.want)
		}
	}
}

func TestBackoff_JitterNeverShortens(t *testing.T) {
	p := New(nil, nil, nil, Config{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true})
	for range 100 {
		d := p.Backoff(2, 0)
		if d < 4*time.Second || d > 5*time.Second {
			t.Fatalf("jittered delay %v outside [4s, 5s]", d)
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{Concurrency: 50, MaxRetries: -1}.withDefaults()
	if cfg.Concurrency != MaxConcurrency {
		t.Errorf("expected concurrency capped at %d, got %d", MaxConcurrency, cfg.Concurrency)
	}
	if cfg.MaxRetries != 0 || cfg.BaseDelay != DefaultBaseDelay || cfg.MaxDelay != DefaultMaxDelay {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestTranslateAll_ProgressMonotonic(t *testing.T) {
	var failedOnce atomic.Bool
	backend := &fakeBackend{}
	backend.complete = func(_ context.Context, req translator.Request, _ int32) (string, error) {
		if strings.Contains(req.Text, "number 4.") && failedOnce.CompareAndSwap(false, true) {
			return "", &translator.Error{Kind: translator.KindTransient, Status: 503, Err: errors.New("busy")}
		}
		return req.Prompt, nil
	}

	var seen []Progress
	p := newTestPool(backend, Config{Concurrency: 3, MaxRetries: 2}, WithProgress(func(pr Progress) {
		seen = append(seen, pr)
	}))
	chunks := makeChunks(9)
	if _, err := p.TranslateAll(context.Background(), chunks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seen) == 0 {
		t.Fatal("expected progress callbacks")
	}
	for i := 1; i < len(seen); i++ {
		prev, cur := seen[i-1], seen[i]
		if cur.Succeeded < prev.Succeeded || cur.Failed < prev.Failed || cur.Retried < prev.Retried || cur.APICalls < prev.APICalls {
			t.Errorf("progress went backwards: %+v -> %+v", prev, cur)
		}
	}
	last := seen[len(seen)-1]
	if last.Total != 9 || last.Succeeded != 9 {
		t.Errorf("expected 9 of 9 succeeded at the end, got %+v", last)
	}
	if last.Retried == 0 {
		t.Errorf("expected retries to be counted, got %+v", last)
	}
}
