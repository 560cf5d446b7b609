// Package placeholder shields inline code spans and HTML tags from the
// translator by swapping them for numbered tokens ([PH0], [PH1], …) that
// the model is told to keep. Fenced code is left alone: it is already
// kept verbatim by the prompt and its delimiter lines are counted by the
// validator.
package placeholder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/valpere/mdtrans/internal/boundary"
)

var (
	reInlineCode = regexp.MustCompile("`[^`\n]+`")
	reHTMLTag    = regexp.MustCompile(`</?[A-Za-z][A-Za-z0-9-]*(?:\s[^<>]*)?/?>`)
)

// Set holds the originals replaced in one text and the tag its tokens use.
// The tag never occurs in the source, so a document that mentions a token
// literally keeps it through Restore.
type Set struct {
	tag       string
	originals []string
	re        *regexp.Regexp
}

// Protect replaces inline code and HTML tags outside fenced code blocks with
// placeholders, numbered in order of appearance.
func Protect(text string) (string, *Set) {
	s := &Set{tag: tagFor(text)}
	replace := func(match string) string {
		s.originals = append(s.originals, match)
		return s.Token(len(s.originals) - 1)
	}

	lines := strings.SplitAfter(text, "\n")
	var fence *boundary.Fence
	for i, line := range lines {
		if fence != nil {
			if fence.Closes(line) {
				fence = nil
			}
			continue
		}
		if f, ok := boundary.ParseFence(line); ok {
			fence = &f
			continue
		}
		line = reInlineCode.ReplaceAllStringFunc(line, replace)
		lines[i] = reHTMLTag.ReplaceAllStringFunc(line, replace)
	}

	s.re = regexp.MustCompile(`\[` + s.tag + `(\d+)\]`)
	return strings.Join(lines, ""), s
}

// tagFor returns "PH", extended with X until "[" + tag is absent from text.
func tagFor(text string) string {
	tag := "PH"
	for strings.Contains(text, "["+tag) {
		tag += "X"
	}
	return tag
}

func (s *Set) Len() int { return len(s.originals) }

func (s *Set) Originals() []string { return s.originals }

// Token is the placeholder for the i-th original.
func (s *Set) Token(i int) string {
	return fmt.Sprintf("[%s%d]", s.tag, i)
}

// Restore puts the originals back. Unknown indices are left as they are.
func (s *Set) Restore(text string) string {
	if len(s.originals) == 0 {
		return text
	}
	return s.re.ReplaceAllStringFunc(text, func(match string) string {
		sub := s.re.FindStringSubmatch(match)
		idx, err := strconv.Atoi(sub[1])
		if err != nil || idx >= len(s.originals) {
			return match
		}
		return s.originals[idx]
	})
}

// Missing returns the indices of placeholders absent from text.
func (s *Set) Missing(text string) []int {
	var missing []int
	for i := range s.originals {
		if !strings.Contains(text, s.Token(i)) {
			missing = append(missing, i)
		}
	}
	return missing
}

// InstructionHint is appended to the prompt when placeholders are in use.
func (s *Set) InstructionHint() string {
	return fmt.Sprintf("Keep every [%sn] token exactly as written; do not translate, move or drop them.", s.tag)
}
