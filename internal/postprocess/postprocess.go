// Package postprocess strips common model artifacts from raw backend output
// before it is validated. Reasoning blocks are the important case: a model
// that thinks out loud may repeat the integrity markers and make a good
// answer look duplicated.
package postprocess

import (
	"regexp"
	"strings"
)

// Clean strips reasoning blocks outside the marked answer, then an echoed
// preamble ("Here is the translation:") and a Markdown code fence placed
// around the entire reply. open and close are the run's sentinels; the text
// between them is returned untouched, since a document may itself mention
// reasoning tags.
func Clean(text, open, close string) string {
	text = removeReasoning(text, open, close)
	text = removePreamble(text)
	text = removeFenceWrapping(text)
	return text
}

// removeReasoning removes reasoning blocks around the answer, the pair of
// sentinels that is left exactly once in the reply after cleaning. Pairs are
// tried from the last one back, because models usually think before they
// answer. A reply without a sentinel pair is returned as is: validation
// rejects it anyway.
func removeReasoning(text, open, close string) string {
	if open == "" || close == "" {
		return removeThinkingBlocks(text)
	}
	var fallback string
	for end := len(text); end > 0; {
		i := strings.LastIndex(text[:end], open)
		if i < 0 {
			break
		}
		end = i

		j := strings.Index(text[i+len(open):], close)
		if j < 0 {
			continue
		}
		answerEnd := i + len(open) + j + len(close)
		out := removeThinkingBlocks(text[:i]) + text[i:answerEnd] + removeThinkingBlocks(text[answerEnd:])
		if strings.Count(out, open) == 1 && strings.Count(out, close) == 1 {
			return out
		}
		if fallback == "" {
			fallback = out
		}
	}
	if fallback != "" {
		return fallback
	}
	return text
}

// Each tag is listed separately: RE2 has no backreferences.
var (
	thinkingBlockRe = regexp.MustCompile(
		`(?is)<thinking>.*?</thinking>|<think>.*?</think>|<reasoning>.*?</reasoning>|<reflection>.*?</reflection>`,
	)
	// an opening tag whose closing tag never arrived
	truncatedThinkingRe = regexp.MustCompile(`(?is)(?:<thinking>|<think>|<reasoning>|<reflection>).*$`)
)

func removeThinkingBlocks(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	text = thinkingBlockRe.ReplaceAllString(text, "")
	return truncatedThinkingRe.ReplaceAllString(text, "")
}

// preambleRe requires a colon and a line break so that a translated first
// sentence is never mistaken for chatter.
var preambleRe = regexp.MustCompile(
	`(?i)^\s*(?:(?:certainly|sure|of course)[,.!]?\s+)?(?:here(?:'s| is)\s+)?(?:the\s+)?(?:refined\s+|polished\s+|translated\s+)?(?:translation|translated text|markdown)(?:\s+\w+){0,3}\s*:[ \t]*\r?\n`,
)

func removePreamble(text string) string {
	if loc := preambleRe.FindStringIndex(text); loc != nil {
		return text[loc[1]:]
	}
	return text
}

var (
	openWrapRe  = regexp.MustCompile("^\\s*(```+|~~~+)[ \t]*(?:markdown|md)?[ \t]*\r?\n")
	closeWrapRe = regexp.MustCompile("\r?\n[ \t]*(```+|~~~+)\\s*$")
)

// removeFenceWrapping unwraps a reply of the form "```markdown\n...\n```".
// The inner text must not contain the same fence, so that a reply that
// merely starts and ends with code blocks is left alone.
func removeFenceWrapping(text string) string {
	head := openWrapRe.FindStringSubmatchIndex(text)
	if head == nil {
		return text
	}
	tail := closeWrapRe.FindStringSubmatchIndex(text)
	if tail == nil || tail[0] < head[1] {
		return text
	}
	fence := text[head[2]:head[3]]
	if text[tail[2]:tail[3]] != fence {
		return text
	}
	inner := text[head[1]:tail[0]]
	if strings.Contains(inner, fence[:3]) {
		return text
	}
	return inner
}
