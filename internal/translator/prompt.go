package translator

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// PromptOptions are the inputs of BuildPrompt.
type PromptOptions struct {
	SourceLang string
	TargetLang string
	Glossary   map[string]string
	// OpenMarker and CloseMarker are the sentinel lines around the chunk.
	OpenMarker  string
	CloseMarker string
	// Context is the tail of the preceding source text, shown to the model
	// for continuity only.
	Context string
}

// DefaultContextWords is the context size used when none is configured.
const DefaultContextWords = 25

// ExtractContext returns the last wordCount words of text joined by single
// spaces, or all of it when shorter.
func ExtractContext(text string, wordCount int) string {
	if wordCount <= 0 {
		wordCount = DefaultContextWords
	}
	words := strings.Fields(text)
	if len(words) <= wordCount {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-wordCount:], " ")
}

// LanguageName renders a language code as an English name, falling back to
// the code itself.
func LanguageName(code string) string {
	if code == "" || code == "auto" {
		return "the source language"
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

// BuildPrompt returns the system prompt and the user message for a marked
// chunk.
func BuildPrompt(opts PromptOptions, marked string) (string, string) {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("You are a professional technical translator. Translate Markdown from %s to %s.\n",
		LanguageName(opts.SourceLang), LanguageName(opts.TargetLang)))
	sb.WriteString("Rules:\n")
	sb.WriteString("1. Keep every Markdown construct intact: headings, lists, tables, links, images, code fences.\n")
	sb.WriteString("2. Do not translate code, commands, file names, URLs or anything inside backticks.\n")
	sb.WriteString("3. Keep the original line breaks and indentation; one output line per input line.\n")
	sb.WriteString(fmt.Sprintf("4. Copy the lines %s and %s exactly as they are, once each, around your translation.\n",
		opts.OpenMarker, opts.CloseMarker))
	sb.WriteString("5. Reply with the translation only. No explanations, no notes.")

	if len(opts.Glossary) > 0 {
		terms := make([]string, 0, len(opts.Glossary))
		for src := range opts.Glossary {
			terms = append(terms, src)
		}
		sort.Strings(terms)

		sb.WriteString("\n\nTERMINOLOGY (use these exact translations):\n")
		for _, src := range terms {
			sb.WriteString(fmt.Sprintf("  %s → %s\n", src, opts.Glossary[src]))
		}
	}

	if opts.Context != "" {
		sb.WriteString("\n\nPRECEDING TEXT (context only; do not translate or repeat it):\n")
		sb.WriteString(opts.Context)
	}

	return sb.String(), marked
}
