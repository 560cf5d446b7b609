// Package refiner runs an optional second pass over accepted chunks. The
// backend acts as an editor: it receives the source and the draft and
// returns a polished translation, which must pass the same validation as the
// draft did.
package refiner

import (
	"context"
	"errors"
	"fmt"

	"github.com/valpere/mdtrans/internal/marker"
	"github.com/valpere/mdtrans/internal/postprocess"
	"github.com/valpere/mdtrans/internal/translator"
	"github.com/valpere/mdtrans/internal/validator"
)

// ErrRejected is returned when the refined text fails validation.
var ErrRejected = errors.New("refined translation rejected")

type Refiner struct {
	backend    translator.Backend
	codec      *marker.Codec
	validator  *validator.Validator
	sourceLang string
	targetLang string
	model      string
}

// New returns a refiner. codec and v must be the ones the draft was
// validated with.
func New(backend translator.Backend, codec *marker.Codec, v *validator.Validator, sourceLang, targetLang, model string) *Refiner {
	return &Refiner{
		backend:    backend,
		codec:      codec,
		validator:  v,
		sourceLang: sourceLang,
		targetLang: targetLang,
		model:      model,
	}
}

// Refine asks the backend to polish draft. On any error the caller keeps the
// draft.
func (r *Refiner) Refine(ctx context.Context, original, draft string) (string, error) {
	marked := r.codec.Wrap(draft)
	raw, err := r.backend.Complete(ctx, translator.Request{
		System:     buildRefinementPrompt(r.sourceLang, r.targetLang, r.codec),
		Prompt:     buildRefinementInput(original, marked),
		Text:       marked,
		SourceLang: r.targetLang,
		TargetLang: r.targetLang,
		Model:      r.model,
	})
	if err != nil {
		return "", fmt.Errorf("refinement request failed: %w", err)
	}

	out := postprocess.Clean(raw, r.codec.Open(), r.codec.Close())
	if outcome := r.validator.Validate(original, out); !outcome.IsValid {
		return "", fmt.Errorf("%w: %v", ErrRejected, outcome.Reasons)
	}
	return r.codec.Unwrap(out)
}

func buildRefinementPrompt(sourceLang, targetLang string, codec *marker.Codec) string {
	target := translator.LanguageName(targetLang)
	return fmt.Sprintf(`You are an experienced %s technical editor.

You will receive a Markdown document in %s and its DRAFT %s translation.
REWRITE the draft so that it reads naturally in %s.

**What to Fix:**
- Awkward literal translations -> natural expressions
- Unnatural word order -> proper syntax
- Inconsistent terminology

**What to Preserve:**
- All meaning and factual content
- Every Markdown construct, line break and code block
- Product names, identifiers, URLs and code

Copy the lines %s and %s exactly as they are around your answer.
If the draft is already good, return it unchanged.
Output ONLY the refined translation.`,
		target,
		translator.LanguageName(sourceLang), target,
		target,
		codec.Open(), codec.Close(),
	)
}

func buildRefinementInput(original, markedDraft string) string {
	return "ORIGINAL:\n" + original + "\n\nDRAFT TRANSLATION:\n" + markedDraft
}
