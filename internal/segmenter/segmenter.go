// Package segmenter splits Markdown documents into line-bounded chunks for
// translation. Cuts are snapped to the nearest paragraph or block boundary
// where no fenced code block, table, list or blockquote is open, so every
// chunk can be translated on its own.
//
// Splitting is pure: the same document and options always produce the same
// chunks, and concatenating chunk contents in order reproduces the document
// byte for byte.
package segmenter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/valpere/mdtrans/internal/boundary"
)

const (
	DefaultTargetLines = 500
	DefaultMinLines    = 10
	DefaultMaxLines    = 10000
	DefaultWindow      = 0.2
)

// ErrInvalidConfiguration is returned for option values Split cannot honour.
var ErrInvalidConfiguration = errors.New("invalid segmenter configuration")

var chunkNamespace = uuid.MustParse("6f1c2a52-93c4-4b0e-9a8e-2f2a52d1c0de")

// Options controls chunk sizing. Zero values select the defaults.
type Options struct {
	TargetLines int     `mapstructure:"target_lines" yaml:"target_lines" json:"target_lines"`
	MinLines    int     `mapstructure:"min_lines" yaml:"min_lines" json:"min_lines"`
	MaxLines    int     `mapstructure:"max_lines" yaml:"max_lines" json:"max_lines"`
	Window      float64 `mapstructure:"window" yaml:"window" json:"window"`
}

func (o Options) withDefaults() Options {
	if o.TargetLines == 0 {
		o.TargetLines = DefaultTargetLines
	}
	if o.MinLines == 0 {
		o.MinLines = DefaultMinLines
	}
	if o.MaxLines == 0 {
		o.MaxLines = DefaultMaxLines
	}
	if o.Window == 0 {
		o.Window = DefaultWindow
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.TargetLines < o.MinLines {
		return fmt.Errorf("%w: target lines %d below minimum %d", ErrInvalidConfiguration, o.TargetLines, o.MinLines)
	}
	if o.TargetLines > o.MaxLines {
		return fmt.Errorf("%w: target lines %d above maximum %d", ErrInvalidConfiguration, o.TargetLines, o.MaxLines)
	}
	if o.Window <= 0 || o.Window > 1 {
		return fmt.Errorf("%w: window %.2f outside (0, 1]", ErrInvalidConfiguration, o.Window)
	}
	return nil
}

// Chunk is a contiguous slice of the document. StartLine is inclusive and
// EndLine exclusive, both zero-based.
type Chunk struct {
	ID            string
	Content       string
	StartLine     int
	EndLine       int
	SequenceIndex int
	// UnsafeSplit marks a chunk whose end had to be cut inside a structure.
	UnsafeSplit bool
}

// Lines returns the number of document lines in the chunk.
func (c Chunk) Lines() int {
	return c.EndLine - c.StartLine
}

// Result is the output of Split.
type Result struct {
	Chunks     []Chunk
	TotalLines int
	LineEnding string
	Warnings   []string
}

// Split partitions document into chunks of about opts.TargetLines lines.
//
// The cut point is searched forward and backward from the target within
// ±Window*TargetLines lines, preferring the forward candidate on ties. A
// block start (see boundary.IsBlockStart) wins over a line that is merely
// outside every structure. When nothing legal is found the search widens to
// ±TargetLines; after that the chunk is cut at the target and flagged
// UnsafeSplit.
//
// An empty document yields no chunks.
func Split(document string, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	lines := SplitLines(document)
	res := &Result{
		TotalLines: len(lines),
		LineEnding: DetectLineEnding(document),
	}
	if len(lines) == 0 {
		return res, nil
	}

	bare := make([]string, len(lines))
	for i, l := range lines {
		bare[i] = strings.TrimRight(l, "\r\n")
	}
	class := boundary.Classify(bare)
	if class.UnterminatedFence >= 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("unterminated code fence at line %d runs to end of document", class.UnterminatedFence+1))
	}

	window := int(float64(opts.TargetLines) * opts.Window)
	if window < 1 {
		window = 1
	}

	n := len(lines)
	for start := 0; start < n; {
		end := n
		unsafe := false
		if n-start > opts.TargetLines {
			end, unsafe = findCut(class, start, start+opts.TargetLines, window, opts.TargetLines)
		}

		seq := len(res.Chunks)
		content := strings.Join(lines[start:end], "")
		res.Chunks = append(res.Chunks, Chunk{
			ID:            chunkID(seq, content),
			Content:       content,
			StartLine:     start,
			EndLine:       end,
			SequenceIndex: seq,
			UnsafeSplit:   unsafe,
		})
		if unsafe {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("no safe split point near line %d; chunk %d cut inside a %s", end+1, seq, class.Kinds[end]))
		}
		start = end
	}

	return res, nil
}

// findCut returns the line index the next chunk starts at. Within each
// search radius a block start beats a bare legal line.
func findCut(class boundary.Classification, start, want, window, limit int) (int, bool) {
	n := len(class.Kinds)
	inRange := func(i int) bool { return i > start && i <= n }
	blockStart := func(i int) bool { return inRange(i) && class.IsBlockStart(i) }
	legal := func(i int) bool { return inRange(i) && class.IsLegalCut(i) }

	for _, w := range []int{window, limit} {
		for _, ok := range []func(int) bool{blockStart, legal} {
			if i, found := nearest(want, w, ok); found {
				return i, false
			}
		}
	}
	return want, true
}

// nearest returns the closest i to want within radius w for which ok
// holds, preferring the later line on ties.
func nearest(want, w int, ok func(int) bool) (int, bool) {
	for d := 0; d <= w; d++ {
		if ok(want + d) {
			return want + d, true
		}
		if ok(want - d) {
			return want - d, true
		}
	}
	return 0, false
}

func chunkID(seq int, content string) string {
	sum := uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%d:%s", seq, content)))
	return fmt.Sprintf("chunk_%03d_%s", seq, sum.String()[:8])
}

// SplitLines splits text into lines, each keeping its terminator. The last
// line has no terminator when the text does not end with one.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// DetectLineEnding returns "\r\n" when the first line break of text is CRLF
// and "\n" otherwise.
func DetectLineEnding(text string) string {
	i := strings.IndexByte(text, '\n')
	if i > 0 && text[i-1] == '\r' {
		return "\r\n"
	}
	return "\n"
}
