package merger

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/valpere/mdtrans/internal/pool"
	"github.com/valpere/mdtrans/internal/segmenter"
)

func chunksOf(contents ...string) []segmenter.Chunk {
	chunks := make([]segmenter.Chunk, len(contents))
	line := 0
	for i, c := range contents {
		n := len(segmenter.SplitLines(c))
		chunks[i] = segmenter.Chunk{
			ID:            fmt.Sprintf("c%d", i),
			Content:       c,
			StartLine:     line,
			EndLine:       line + n,
			SequenceIndex: i,
		}
		line += n
	}
	return chunks
}

func succeeded(id string, text string, attempts int) *pool.Attempt {
	return &pool.Attempt{
		ChunkID:           id,
		State:             pool.StateSucceeded,
		Succeeded:         true,
		TranslatedContent: text,
		Attempts:          attempts,
		RetryCount:        attempts - 1,
		TotalElapsed:      time.Duration(attempts) * time.Second,
	}
}

func TestMerge_PartialFailure(t *testing.T) {
	contents := make([]string, 10)
	for i := range contents {
		contents[i] = fmt.Sprintf("source %d\n", i)
	}
	chunks := chunksOf(contents...)

	attempts := make(map[string]*pool.Attempt)
	for i, c := range chunks {
		if i == 5 {
			attempts[c.ID] = &pool.Attempt{
				ChunkID:  c.ID,
				State:    pool.StateExhausted,
				Attempts: 4,
				Reasons:  []string{"markers missing or duplicated"},
			}
			continue
		}
		attempts[c.ID] = succeeded(c.ID, fmt.Sprintf("переклад %d", i), 1)
	}

	res := Merge(chunks, attempts, "\n", 10*time.Second)

	lines := strings.Split(strings.TrimSuffix(res.Document, "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("expected 10 segments, got %d: %q", len(lines), res.Document)
	}
	for i, line := range lines {
		want := fmt.Sprintf("переклад %d", i)
		if i == 5 {
			want = "source 5"
		}
		if line != want {
			t.Errorf("segment %d: expected %q, got %q", i, want, line)
		}
	}

	if res.Stats.Failed != 1 || res.Stats.Succeeded != 9 || res.Stats.TotalChunks != 10 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
	if len(res.Failures) != 1 || res.Failures[0].ChunkID != "c5" {
		t.Fatalf("expected failure for c5, got %+v", res.Failures)
	}
	if !strings.Contains(res.Failures[0].Reason, "markers missing") {
		t.Errorf("unexpected failure reason %q", res.Failures[0].Reason)
	}
	if res.Stats.TotalRetries != 3 || res.Stats.APICalls != 13 {
		t.Errorf("expected 3 retries and 13 calls, got %d and %d", res.Stats.TotalRetries, res.Stats.APICalls)
	}
	if res.Stats.TotalLines != 10 {
		t.Errorf("expected 10 lines, got %d", res.Stats.TotalLines)
	}
	if got := res.Stats.SuccessRate(); got != 0.9 {
		t.Errorf("expected success rate 0.9, got %f", got)
	}
}

func TestMerge_OrderIndependentOfInput(t *testing.T) {
	chunks := chunksOf("a\n", "b\n", "c\n")
	shuffled := []segmenter.Chunk{chunks[2], chunks[0], chunks[1]}
	attempts := map[string]*pool.Attempt{
		"c0": succeeded("c0", "A", 1),
		"c1": succeeded("c1", "B", 1),
		"c2": succeeded("c2", "C", 1),
	}

	res := Merge(shuffled, attempts, "\n", 0)
	if res.Document != "A\nB\nC\n" {
		t.Errorf("expected document in sequence order, got %q", res.Document)
	}
	if len(attempts) != 0 {
		t.Error("expected attempts to be released after merge")
	}
}

func TestMerge_PreservesSeams(t *testing.T) {
	chunks := chunksOf("# Title\n\nIntro\n\n", "\n## Next\nBody")
	attempts := map[string]*pool.Attempt{
		"c0": succeeded("c0", "\n# Заголовок\n\nВступ\n", 1),
		"c1": succeeded("c1", "## Далі\nТекст\n\n", 1),
	}

	res := Merge(chunks, attempts, "\n", 0)
	want := "# Заголовок\n\nВступ\n\n\n## Далі\nТекст"
	if res.Document != want {
		t.Errorf("expected %q, got %q", want, res.Document)
	}
}

func TestMerge_LineEndings(t *testing.T) {
	chunks := chunksOf("one\r\ntwo\r\n")
	attempts := map[string]*pool.Attempt{"c0": succeeded("c0", "один\nдва\n", 1)}

	res := Merge(chunks, attempts, "\r\n", 0)
	if res.Document != "один\r\nдва\r\n" {
		t.Errorf("expected CRLF document, got %q", res.Document)
	}
}

func TestMerge_CancelledAndMissing(t *testing.T) {
	chunks := chunksOf("a\n", "b\n", "c\n")
	attempts := map[string]*pool.Attempt{
		"c0": succeeded("c0", "A", 1),
		"c1": {ChunkID: "c1", State: pool.StateCancelled},
	}

	res := Merge(chunks, attempts, "\n", 0)
	if res.Document != "A\nb\nc\n" {
		t.Errorf("expected originals for unfinished chunks, got %q", res.Document)
	}
	if res.Stats.Cancelled != 1 || res.Stats.Failed != 1 {
		t.Errorf("expected 1 cancelled and 1 failed, got %+v", res.Stats)
	}
	if len(res.Failures) != 2 || res.Failures[0].Reason != "cancelled" {
		t.Errorf("unexpected failures %+v", res.Failures)
	}
}

func TestMerge_CacheHitsAndAverage(t *testing.T) {
	chunks := chunksOf("a\n", "b\n")
	cached := succeeded("c0", "A", 0)
	cached.Cached = true
	attempts := map[string]*pool.Attempt{
		"c0": cached,
		"c1": succeeded("c1", "B", 2),
	}

	res := Merge(chunks, attempts, "\n", 5*time.Second)
	if res.Stats.CacheHits != 1 {
		t.Errorf("expected 1 cache hit, got %d", res.Stats.CacheHits)
	}
	if res.Stats.AverageChunkTime != 2*time.Second {
		t.Errorf("expected average over translated chunks only, got %v", res.Stats.AverageChunkTime)
	}
	if res.Stats.TotalElapsed != 5*time.Second {
		t.Errorf("expected wall-clock elapsed, got %v", res.Stats.TotalElapsed)
	}
	if !res.Outcomes[0].Cached || res.Outcomes[1].Attempts != 2 {
		t.Errorf("unexpected outcomes %+v", res.Outcomes)
	}
}

func TestMerge_Empty(t *testing.T) {
	res := Merge(nil, map[string]*pool.Attempt{}, "\n", 0)
	if res.Document != "" || res.Stats.TotalChunks != 0 || res.Stats.SuccessRate() != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReattach(t *testing.T) {
	tests := []struct {
		name       string
		original   string
		translated string
		ending     string
		want       string
	}{
		{"plain", "a\n", "b", "\n", "b\n"},
		{"strips model newlines", "a\n", "\n\nb\n\n", "\n", "b\n"},
		{"leading blank", "\n\na\n", "b", "\n", "\n\nb\n"},
		{"no trailing break", "a", "b\n", "\n", "b"},
		{"only newlines", "\n\n", "x", "\n", "\n\n"},
		{"crlf", "a\r\nb\r\n", "c\r\nd", "\r\n", "c\r\nd\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reattach(tt.original, tt.translated, tt.ending); got != tt.want {
				t.Errorf("Reattach(%q, %q) = %q, want %q", tt.original, tt.translated, got, tt.want)
			}
		})
	}
}
