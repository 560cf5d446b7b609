// Package boundary classifies Markdown lines so that documents can be cut
// only where no fenced code block, table, list or blockquote would be broken
// apart, and preferably between paragraphs.
package boundary

import (
	"regexp"
	"strings"
)

// Kind describes the structure a line belongs to.
type Kind uint8

const (
	Plain Kind = iota
	FencedCode
	Table
	ListItem
	Blockquote
)

func (k Kind) String() string {
	switch k {
	case FencedCode:
		return "fenced_code"
	case Table:
		return "table"
	case ListItem:
		return "list_item"
	case Blockquote:
		return "blockquote"
	default:
		return "plain"
	}
}

// Classification is the result of Classify.
type Classification struct {
	// Kinds has one entry per input line.
	Kinds []Kind
	// UnterminatedFence is the index of a fence opener that was never closed,
	// or -1. Such a fence runs to the end of the document.
	UnterminatedFence int

	blockStart []bool
}

// IsLegalCut reports whether a chunk may start at line i. Cutting at
// len(Kinds) (end of document) is always legal.
func (c Classification) IsLegalCut(i int) bool {
	if i <= 0 || i >= len(c.Kinds) {
		return true
	}
	return c.Kinds[i] == Plain
}

// IsBlockStart reports whether a legal cut at i also falls between blocks
// and lets the chunk open with text: after a blank line, before a heading or
// right after a fence, table, list or blockquote. A cut that would separate a heading from the text below it
// is never a block start.
func (c Classification) IsBlockStart(i int) bool {
	if i <= 0 || i >= len(c.Kinds) {
		return true
	}
	return c.IsLegalCut(i) && i < len(c.blockStart) && c.blockStart[i]
}

var (
	headingRe  = regexp.MustCompile(`^ {0,3}#{1,6}(\s|$)`)
	listRe     = regexp.MustCompile(`^\s*([-*+]|\d{1,9}[.)])(\s|$)`)
	tableRowRe = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	tableSepRe = regexp.MustCompile(`^\s*\|?\s*:?-+:?\s*(\|\s*:?-+:?\s*)+\|?\s*$`)
	quoteRe    = regexp.MustCompile(`^ {0,3}>`)
	setextRe   = regexp.MustCompile(`^ {0,3}(=+|-+)[ \t]*$`)
)

// Fence describes a fence delimiter line.
type Fence struct {
	Char   byte
	Length int
}

// ParseFence reports whether line opens or closes a fenced code block and
// returns the fence character and run length.
func ParseFence(line string) (Fence, bool) {
	t := strings.TrimSpace(line)
	if len(t) < 3 {
		return Fence{}, false
	}
	c := t[0]
	if c != '`' && c != '~' {
		return Fence{}, false
	}
	n := 0
	for n < len(t) && t[n] == c {
		n++
	}
	if n < 3 {
		return Fence{}, false
	}
	// backtick info strings may not contain backticks
	if c == '`' && strings.ContainsRune(t[n:], '`') {
		return Fence{}, false
	}
	return Fence{Char: c, Length: n}, true
}

// Closes reports whether line is a valid closer for f: same character, at
// least as long, and nothing but whitespace after the run.
func (f Fence) Closes(line string) bool {
	g, ok := ParseFence(line)
	if !ok || g.Char != f.Char || g.Length < f.Length {
		return false
	}
	return strings.TrimSpace(strings.TrimSpace(line)[g.Length:]) == ""
}

// IsHeading reports whether line is an ATX heading.
func IsHeading(line string) bool {
	return headingRe.MatchString(line)
}

// Classify labels every line. It never fails: ambiguous lines are reported
// as Plain.
func Classify(lines []string) Classification {
	c := Classification{
		Kinds:             make([]Kind, len(lines)),
		UnterminatedFence: -1,
	}

	markFences(lines, &c)
	markBlockquotes(lines, c.Kinds)
	markTables(lines, c.Kinds)
	markLists(lines, c.Kinds)
	c.blockStart = markBlockStarts(lines, c.Kinds)

	return c
}

func markFences(lines []string, c *Classification) {
	open := -1
	var fence Fence
	for i, line := range lines {
		if open < 0 {
			if f, ok := ParseFence(line); ok {
				open, fence = i, f
				c.Kinds[i] = FencedCode
			}
			continue
		}
		c.Kinds[i] = FencedCode
		if fence.Closes(line) {
			open = -1
		}
	}
	if open >= 0 {
		c.UnterminatedFence = open
	}
}

// markBlockquotes labels quoted lines and their lazy continuations.
func markBlockquotes(lines []string, kinds []Kind) {
	inQuote := false
	for i, line := range lines {
		if kinds[i] != Plain {
			inQuote = false
			continue
		}
		switch {
		case quoteRe.MatchString(line):
			inQuote = true
		case inQuote && !isBlank(line) && !IsHeading(line) && !listRe.MatchString(line):
		default:
			inQuote = false
		}
		if inQuote {
			kinds[i] = Blockquote
		}
	}
}

func markBlockStarts(lines []string, kinds []Kind) []bool {
	starts := make([]bool, len(lines))
	lastText := -1
	for i, line := range lines {
		if i > 0 && kinds[i] == Plain && !isBlank(line) && !endsHeading(lines, lastText) {
			prev := i - 1
			switch {
			case isBlank(lines[prev]):
				starts[i] = true
			case kinds[prev] != Plain:
				starts[i] = true
			case IsHeading(line):
				starts[i] = true
			}
		}
		if !isBlank(line) {
			lastText = i
		}
	}
	return starts
}

// endsHeading reports whether line j is an ATX heading or a setext
// underline.
func endsHeading(lines []string, j int) bool {
	if j < 0 {
		return false
	}
	if IsHeading(lines[j]) {
		return true
	}
	return j > 0 && setextRe.MatchString(lines[j]) && !isBlank(lines[j-1])
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

func isTableRow(line string) bool {
	return tableRowRe.MatchString(line) && strings.Count(line, "|") >= 2
}

func markTables(lines []string, kinds []Kind) {
	for i, line := range lines {
		if kinds[i] != Plain || IsHeading(line) {
			continue
		}
		if isTableRow(line) || tableSepRe.MatchString(line) {
			kinds[i] = Table
		}
	}

	// Rows without outer pipes join a table they touch.
	for i := range lines {
		if kinds[i] != Table {
			continue
		}
		for j := i - 1; j >= 0 && canJoinTable(lines[j], kinds[j]); j-- {
			kinds[j] = Table
		}
		for j := i + 1; j < len(lines) && canJoinTable(lines[j], kinds[j]); j++ {
			kinds[j] = Table
		}
	}
}

func canJoinTable(line string, k Kind) bool {
	return k == Plain && !IsHeading(line) && strings.TrimSpace(line) != "" && strings.Contains(line, "|")
}

func markLists(lines []string, kinds []Kind) {
	inList := false
	for i, line := range lines {
		if kinds[i] != Plain || IsHeading(line) {
			inList = false
			continue
		}
		switch {
		case listRe.MatchString(line):
			inList = true
		case inList && isContinuation(line):
		default:
			inList = false
		}
		if inList {
			kinds[i] = ListItem
		}
	}
}

func isContinuation(line string) bool {
	if isBlank(line) {
		return false
	}
	return line[0] == ' ' || line[0] == '\t'
}
