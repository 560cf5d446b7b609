// Package validator decides whether a translated chunk can be accepted.
//
// Checks run in a fixed order. A chunk whose integrity markers are missing
// fails immediately; otherwise every remaining check runs so that all
// reasons are reported together.
package validator

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/valpere/mdtrans/internal/boundary"
	"github.com/valpere/mdtrans/internal/markdown"
	"github.com/valpere/mdtrans/internal/marker"
)

const (
	ReasonMarkers   = "markers missing or duplicated"
	ReasonEmpty     = "translation is empty"
	ReasonLineCount = "line count deviates beyond tolerance"
	ReasonFences    = "code fence count mismatch"
	ReasonLinks     = "link count mismatch"
	ReasonHeadings  = "heading count mismatch"
	ReasonLanguage  = "translation is not in the target language"
)

const DefaultLineTolerance = 0.1

// minLanguageLetters is the letter count below which language detection is
// too unreliable to reject a translation.
const minLanguageLetters = 20

// Options selects the checks. LineTolerance is the allowed relative
// deviation of the line count; small chunks may always differ by one line.
type Options struct {
	LineTolerance float64 `mapstructure:"line_tolerance" yaml:"line_tolerance" json:"line_tolerance"`
	CheckFences   bool    `mapstructure:"check_fences" yaml:"check_fences" json:"check_fences"`
	CheckLinks    bool    `mapstructure:"check_links" yaml:"check_links" json:"check_links"`
	CheckHeadings bool    `mapstructure:"check_headings" yaml:"check_headings" json:"check_headings"`
	CheckLanguage bool    `mapstructure:"check_language" yaml:"check_language" json:"check_language"`
}

// DefaultOptions enables the structural checks.
func DefaultOptions() Options {
	return Options{
		LineTolerance: DefaultLineTolerance,
		CheckFences:   true,
		CheckLinks:    true,
		CheckHeadings: true,
	}
}

// Outcome is the verdict for one translated chunk.
type Outcome struct {
	IsValid         bool
	Reasons         []string
	SimilarityScore float64
}

// LanguageDetector reports the ISO 639-1 code of a text.
type LanguageDetector interface {
	DetectISO(text string) (string, bool)
}

type Validator struct {
	codec      *marker.Codec
	opts       Options
	targetLang string
	det        LanguageDetector
}

// New returns a validator for the markers of codec.
func New(codec *marker.Codec, opts Options) *Validator {
	if opts.LineTolerance <= 0 {
		opts.LineTolerance = DefaultLineTolerance
	}
	return &Validator{codec: codec, opts: opts}
}

// WithLanguage enables the target-language check when opts.CheckLanguage is
// set.
func (v *Validator) WithLanguage(targetLang string, det LanguageDetector) *Validator {
	v.targetLang = targetLang
	v.det = det
	return v
}

// Validate compares original chunk content with the raw, still marked,
// backend output.
func (v *Validator) Validate(original, translated string) Outcome {
	if !v.codec.PresentInOrder(translated) {
		return Outcome{Reasons: []string{ReasonMarkers}}
	}
	body, _ := v.codec.Unwrap(translated)

	var reasons []string

	origLines, transLines := CountLines(original), CountLines(body)
	ratio := lineRatio(origLines, transLines)
	switch {
	case origLines > 0 && transLines == 0:
		reasons = append(reasons, ReasonEmpty)
	case !withinTolerance(origLines, transLines, v.opts.LineTolerance):
		reasons = append(reasons, ReasonLineCount)
	}

	if v.opts.CheckFences && CountFences(original) != CountFences(body) {
		reasons = append(reasons, ReasonFences)
	}
	if v.opts.CheckLinks && CountLinks(original) != CountLinks(body) {
		reasons = append(reasons, ReasonLinks)
	}
	if v.opts.CheckHeadings && CountHeadings(original) != CountHeadings(body) {
		reasons = append(reasons, ReasonHeadings)
	}
	if v.opts.CheckLanguage && v.det != nil && v.targetLang != "" && !v.inTargetLanguage(body) {
		reasons = append(reasons, ReasonLanguage)
	}

	return Outcome{
		IsValid:         len(reasons) == 0,
		Reasons:         reasons,
		SimilarityScore: math.Max(0, 1-math.Abs(ratio-1)),
	}
}

func (v *Validator) inTargetLanguage(body string) bool {
	prose := markdown.ProseText(body)
	letters := 0
	for _, r := range prose {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < minLanguageLetters {
		return true
	}
	detected, ok := v.det.DetectISO(prose)
	if !ok {
		return true
	}
	return strings.EqualFold(detected, v.targetLang)
}

func lineRatio(orig, trans int) float64 {
	switch {
	case orig == 0 && trans == 0:
		return 1
	case orig == 0:
		return float64(trans + 1)
	default:
		return float64(trans) / float64(orig)
	}
}

func withinTolerance(orig, trans int, tolerance float64) bool {
	allowed := int(math.Floor(float64(orig) * tolerance))
	if allowed < 1 {
		allowed = 1
	}
	diff := trans - orig
	if diff < 0 {
		diff = -diff
	}
	return diff <= allowed
}

// CountLines counts lines ignoring leading and trailing line breaks.
func CountLines(text string) int {
	t := strings.Trim(text, "\r\n")
	if t == "" {
		return 0
	}
	return strings.Count(t, "\n") + 1
}

// CountFences counts fence delimiter lines.
func CountFences(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if _, ok := boundary.ParseFence(line); ok {
			n++
		}
	}
	return n
}

var (
	inlineLinkRe = regexp.MustCompile(`!?\[[^\]]*\]\([^)\s]*(?:\s+"[^"]*")?\)`)
	refDefRe     = regexp.MustCompile(`(?m)^ {0,3}\[[^\]]+\]:\s*\S+`)
	autolinkRe   = regexp.MustCompile(`<https?://[^>\s]+>`)
)

// CountLinks counts inline links and images, reference definitions and
// autolinks.
func CountLinks(text string) int {
	return len(inlineLinkRe.FindAllStringIndex(text, -1)) +
		len(refDefRe.FindAllStringIndex(text, -1)) +
		len(autolinkRe.FindAllStringIndex(text, -1))
}

// CountHeadings counts ATX headings outside fenced code.
func CountHeadings(text string) int {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	class := boundary.Classify(lines)
	n := 0
	for i, line := range lines {
		if class.Kinds[i] != boundary.FencedCode && boundary.IsHeading(line) {
			n++
		}
	}
	return n
}
