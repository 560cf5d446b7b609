package segmenter_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/valpere/mdtrans/internal/segmenter"
)

// buildDoc returns n numbered lines with a fenced code block occupying the
// zero-based lines [fenceStart, fenceEnd].
func buildDoc(n, fenceStart, fenceEnd int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		switch {
		case i == fenceStart || i == fenceEnd:
			b.WriteString("```")
		case i > fenceStart && i < fenceEnd:
			b.WriteString(fmt.Sprintf("code line %d", i))
		default:
			b.WriteString(fmt.Sprintf("Prose line %d.", i))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func join(chunks []segmenter.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content)
	}
	return b.String()
}

func TestSplit_RoundTrip(t *testing.T) {
	docs := map[string]string{
		"plain":          buildDoc(1234, -1, -1),
		"fence":          buildDoc(700, 100, 180),
		"no trailing nl": strings.TrimSuffix(buildDoc(90, 5, 20), "\n"),
		"crlf":           strings.ReplaceAll(buildDoc(300, 40, 60), "\n", "\r\n"),
		"blank lines":    strings.Repeat("para\n\n\n", 200),
		"single line":    "just one line",
		"unterminated":   "a\n```\n" + strings.Repeat("x\n", 100),
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			res, err := segmenter.Split(doc, segmenter.Options{TargetLines: 50})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := join(res.Chunks); got != doc {
				t.Fatalf("concatenated chunks differ from document")
			}

			prevEnd := 0
			for i, c := range res.Chunks {
				if c.SequenceIndex != i {
					t.Errorf("chunk %d has sequence index %d", i, c.SequenceIndex)
				}
				if c.StartLine != prevEnd {
					t.Errorf("chunk %d starts at %d, expected %d", i, c.StartLine, prevEnd)
				}
				if c.EndLine <= c.StartLine {
					t.Errorf("chunk %d is empty", i)
				}
				prevEnd = c.EndLine
			}
			if prevEnd != res.TotalLines {
				t.Errorf("chunks cover %d lines, document has %d", prevEnd, res.TotalLines)
			}
		})
	}
}

func TestSplit_FenceMovesBoundary(t *testing.T) {
	doc := buildDoc(1000, 480, 520)

	res, err := segmenter.Split(doc, segmenter.Options{TargetLines: 500, Window: 0.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.Chunks))
	}

	first := res.Chunks[0]
	if first.EndLine < 520 {
		t.Errorf("expected boundary at or after line 520, got %d", first.EndLine)
	}
	if first.Lines() == 500 {
		t.Error("expected first chunk length to differ from 500")
	}
	if first.UnsafeSplit {
		t.Error("expected a safe split")
	}
}

func TestSplit_NoCutInsideFence(t *testing.T) {
	const blockLen = 12
	for target := blockLen; target <= 40; target += 7 {
		for fenceStart := 3; fenceStart < 90; fenceStart += 11 {
			fenceEnd := fenceStart + blockLen - 1
			doc := buildDoc(120, fenceStart, fenceEnd)

			res, err := segmenter.Split(doc, segmenter.Options{TargetLines: target})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, c := range res.Chunks {
				if c.StartLine > fenceStart && c.StartLine <= fenceEnd {
					t.Errorf("target %d: chunk starts at %d inside fence [%d,%d]", target, c.StartLine, fenceStart, fenceEnd)
				}
				if c.UnsafeSplit {
					t.Errorf("target %d: unexpected unsafe split", target)
				}
			}
		}
	}
}

func TestSplit_ShortDocumentSingleChunk(t *testing.T) {
	doc := buildDoc(42, -1, -1)
	res, err := segmenter.Split(doc, segmenter.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(res.Chunks))
	}
	if res.Chunks[0].Lines() != 42 {
		t.Errorf("expected 42 lines, got %d", res.Chunks[0].Lines())
	}
}

func TestSplit_EmptyDocument(t *testing.T) {
	res, err := segmenter.Split("", segmenter.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(res.Chunks))
	}
}

func TestSplit_UnsafeSplitForOversizedBlock(t *testing.T) {
	doc := buildDoc(200, 5, 150)

	res, err := segmenter.Split(doc, segmenter.Options{TargetLines: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unsafe := 0
	for _, c := range res.Chunks {
		if c.UnsafeSplit {
			unsafe++
		}
	}
	if unsafe == 0 {
		t.Error("expected at least one unsafe split")
	}
	if len(res.Warnings) == 0 {
		t.Error("expected warnings for unsafe splits")
	}
	if join(res.Chunks) != doc {
		t.Error("unsafe splits must still round trip")
	}
}

func TestSplit_UnterminatedFenceWarning(t *testing.T) {
	res, err := segmenter.Split("intro\n```\ncode\n", segmenter.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "unterminated") {
		t.Errorf("expected unterminated fence warning, got %v", res.Warnings)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	doc := buildDoc(900, 300, 340)
	a, _ := segmenter.Split(doc, segmenter.Options{TargetLines: 100})
	b, _ := segmenter.Split(doc, segmenter.Options{TargetLines: 100})

	if len(a.Chunks) != len(b.Chunks) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a.Chunks), len(b.Chunks))
	}
	seen := make(map[string]bool)
	for i := range a.Chunks {
		if a.Chunks[i] != b.Chunks[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
		if seen[a.Chunks[i].ID] {
			t.Errorf("duplicate chunk id %s", a.Chunks[i].ID)
		}
		seen[a.Chunks[i].ID] = true
	}
}

func TestSplit_InvalidConfiguration(t *testing.T) {
	tests := []segmenter.Options{
		{TargetLines: 5},
		{TargetLines: 20000},
		{TargetLines: 100, Window: 1.5},
		{TargetLines: 100, Window: -0.1},
	}
	for _, opts := range tests {
		_, err := segmenter.Split("text", opts)
		if !errors.Is(err, segmenter.ErrInvalidConfiguration) {
			t.Errorf("options %+v: expected ErrInvalidConfiguration, got %v", opts, err)
		}
	}
}

func TestDetectLineEnding(t *testing.T) {
	if got := segmenter.DetectLineEnding("a\r\nb"); got != "\r\n" {
		t.Errorf("expected CRLF, got %q", got)
	}
	if got := segmenter.DetectLineEnding("a\nb\r\n"); got != "\n" {
		t.Errorf("expected LF, got %q", got)
	}
	if got := segmenter.DetectLineEnding("no breaks"); got != "\n" {
		t.Errorf("expected LF default, got %q", got)
	}
}

func TestSplit_PrefersParagraphBreak(t *testing.T) {
	var b strings.Builder
	for p := 0; p < 8; p++ {
		if p > 0 {
			b.WriteString("\n")
		}
		for s := 0; s < 5; s++ {
			fmt.Fprintf(&b, "para %d sentence %d runs on and\n", p, s)
		}
	}
	doc := b.String()

	res, err := segmenter.Split(doc, segmenter.Options{TargetLines: 20, MinLines: 10, Window: 0.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := segmenter.SplitLines(doc)
	for _, c := range res.Chunks[1:] {
		if lines[c.StartLine-1] != "\n" {
			t.Errorf("chunk %d starts mid-paragraph at line %d (%q)", c.SequenceIndex, c.StartLine, lines[c.StartLine])
		}
	}
	// paragraph 3 starts at line 18, two lines before the target
	if got := res.Chunks[0].EndLine; got != 18 {
		t.Errorf("expected first cut at line 18, got %d", got)
	}
}

func TestSplit_KeepsBlockquoteTogether(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "Intro line %d.\n", i)
	}
	b.WriteString("\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "> quoted sentence %d\n", i)
	}
	b.WriteString("\n")
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "Outro line %d.\n", i)
	}
	doc := b.String()

	res, err := segmenter.Split(doc, segmenter.Options{TargetLines: 14, MinLines: 10, Window: 0.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// quote occupies lines 7..16
	for _, c := range res.Chunks {
		if c.StartLine > 7 && c.StartLine <= 16 {
			t.Errorf("chunk %d starts inside the blockquote at line %d", c.SequenceIndex, c.StartLine)
		}
		if c.UnsafeSplit {
			t.Errorf("chunk %d: unexpected unsafe split", c.SequenceIndex)
		}
	}
	if got := res.Chunks[0].EndLine; got != 18 {
		t.Errorf("expected first cut after the quote at line 18, got %d", got)
	}
}
