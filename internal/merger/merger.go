// Package merger reassembles translated chunks in document order.
package merger

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/valpere/mdtrans/internal/pool"
	"github.com/valpere/mdtrans/internal/segmenter"
)

// Stats summarises a run.
type Stats struct {
	TotalChunks      int           `yaml:"total_chunks" json:"total_chunks"`
	Succeeded        int           `yaml:"succeeded" json:"succeeded"`
	Failed           int           `yaml:"failed" json:"failed"`
	Cancelled        int           `yaml:"cancelled" json:"cancelled"`
	TotalLines       int           `yaml:"total_lines" json:"total_lines"`
	TotalElapsed     time.Duration `yaml:"total_elapsed" json:"total_elapsed"`
	AverageChunkTime time.Duration `yaml:"average_chunk_time" json:"average_chunk_time"`
	TotalRetries     int           `yaml:"total_retries" json:"total_retries"`
	APICalls         int           `yaml:"api_calls" json:"api_calls"`
	CacheHits        int           `yaml:"cache_hits" json:"cache_hits"`
}

// SuccessRate is the share of chunks translated, in [0, 1]. A run without
// chunks counts as fully successful.
func (s Stats) SuccessRate() float64 {
	if s.TotalChunks == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(s.TotalChunks)
}

// Failure names a chunk whose original content was kept.
type Failure struct {
	ChunkID   string `yaml:"chunk_id" json:"chunk_id"`
	StartLine int    `yaml:"start_line" json:"start_line"`
	EndLine   int    `yaml:"end_line" json:"end_line"`
	Reason    string `yaml:"reason" json:"reason"`
}

// Outcome is the per-chunk summary kept after merging.
type Outcome struct {
	ChunkID       string
	SequenceIndex int
	StartLine     int
	EndLine       int
	State         pool.State
	Attempts      int
	Elapsed       time.Duration
	Cached        bool
	Refined       bool
	UnsafeSplit   bool
	Reason        string
}

// Result is the merged document.
type Result struct {
	Document string
	Stats    Stats
	Failures []Failure
	Outcomes []Outcome
}

// Merge concatenates chunks in sequence order, using the translation of
// each succeeded chunk and the original content of every other one.
// Translations are converted to lineEnding and keep the leading and trailing
// blank lines of their source chunk, so chunk seams match the source.
//
// elapsed is the wall-clock duration of the run. The attempts map is
// emptied once the document is built.
func Merge(chunks []segmenter.Chunk, attempts map[string]*pool.Attempt, lineEnding string, elapsed time.Duration) *Result {
	if lineEnding == "" {
		lineEnding = "\n"
	}

	ordered := slices.Clone(chunks)
	slices.SortStableFunc(ordered, func(a, b segmenter.Chunk) int {
		return cmp.Compare(a.SequenceIndex, b.SequenceIndex)
	})

	res := &Result{Outcomes: make([]Outcome, 0, len(ordered))}
	res.Stats.TotalChunks = len(ordered)

	var (
		sb        strings.Builder
		chunkTime time.Duration
		timed     int
	)
	for _, c := range ordered {
		res.Stats.TotalLines += c.Lines()
		a := attempts[c.ID]
		if a == nil {
			a = &pool.Attempt{ChunkID: c.ID, SequenceIndex: c.SequenceIndex}
		}

		out := Outcome{
			ChunkID:       c.ID,
			SequenceIndex: c.SequenceIndex,
			StartLine:     c.StartLine,
			EndLine:       c.EndLine,
			State:         a.State,
			Attempts:      a.Attempts,
			Elapsed:       a.TotalElapsed,
			Cached:        a.Cached,
			Refined:       a.Refined,
			UnsafeSplit:   c.UnsafeSplit,
		}

		res.Stats.APICalls += a.Attempts
		if a.Refined {
			res.Stats.APICalls++
		}
		if a.Attempts > 1 {
			res.Stats.TotalRetries += a.Attempts - 1
		}
		if a.Attempts > 0 {
			chunkTime += a.TotalElapsed
			timed++
		}

		switch {
		case a.Succeeded:
			res.Stats.Succeeded++
			if a.Cached {
				res.Stats.CacheHits++
			}
			sb.WriteString(Reattach(c.Content, a.TranslatedContent, lineEnding))
		default:
			if a.State == pool.StateCancelled {
				res.Stats.Cancelled++
			} else {
				res.Stats.Failed++
			}
			out.Reason = a.FailureReason()
			res.Failures = append(res.Failures, Failure{
				ChunkID:   c.ID,
				StartLine: c.StartLine,
				EndLine:   c.EndLine,
				Reason:    out.Reason,
			})
			sb.WriteString(c.Content)
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	res.Document = sb.String()
	res.Stats.TotalElapsed = elapsed
	if timed > 0 {
		res.Stats.AverageChunkTime = chunkTime / time.Duration(timed)
	}

	clear(attempts)
	return res
}

// Reattach gives translated the leading and trailing line breaks of
// original and converts its inner line breaks to lineEnding.
func Reattach(original, translated, lineEnding string) string {
	body := strings.Trim(original, "\r\n")
	if body == "" {
		return original
	}
	lead := original[:len(original)-len(strings.TrimLeft(original, "\r\n"))]
	trail := original[len(lead)+len(body):]

	inner := strings.ReplaceAll(strings.Trim(translated, "\r\n"), "\r\n", "\n")
	if lineEnding != "\n" {
		inner = strings.ReplaceAll(inner, "\n", lineEnding)
	}
	return lead + inner + trail
}
