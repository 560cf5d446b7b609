// Package marker wraps chunk content in per-run sentinel lines so that
// truncated or merged model output can be detected.
package marker

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrMissing is returned by Unwrap when the sentinels are absent, duplicated
// or out of order.
var ErrMissing = errors.New("integrity markers missing or duplicated")

// Codec holds the opening and closing sentinels of one run.
type Codec struct {
	open  string
	close string
}

// New returns a codec whose sentinels embed session.
func New(session string) *Codec {
	return &Codec{
		open:  "<<<MDT_BEGIN_" + session + ">>>",
		close: "<<<MDT_END_" + session + ">>>",
	}
}

// NewRandom returns a codec with a fresh random session identifier.
func NewRandom() *Codec {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return New(id[:16])
}

// ForDocument returns a random codec whose sentinels do not occur in doc.
func ForDocument(doc string) *Codec {
	for {
		c := NewRandom()
		if !c.Collides(doc) {
			return c
		}
	}
}

func (c *Codec) Open() string  { return c.open }
func (c *Codec) Close() string { return c.close }

// Collides reports whether text already contains either sentinel.
func (c *Codec) Collides(text string) bool {
	return strings.Contains(text, c.open) || strings.Contains(text, c.close)
}

// Wrap places the sentinels on their own lines around content.
func (c *Codec) Wrap(content string) string {
	return c.open + "\n" + content + "\n" + c.close
}

// PresentInOrder reports whether both sentinels occur exactly once with the
// opening one first.
func (c *Codec) PresentInOrder(text string) bool {
	if strings.Count(text, c.open) != 1 || strings.Count(text, c.close) != 1 {
		return false
	}
	return strings.Index(text, c.open) < strings.Index(text, c.close)
}

// Unwrap returns the text between the sentinels, dropping one line break
// next to each. Anything outside the sentinels is discarded.
func (c *Codec) Unwrap(text string) (string, error) {
	if !c.PresentInOrder(text) {
		return "", ErrMissing
	}
	start := strings.Index(text, c.open) + len(c.open)
	end := strings.Index(text, c.close)
	inner := text[start:end]

	if strings.HasPrefix(inner, "\n") {
		inner = inner[1:]
	} else {
		inner = strings.TrimPrefix(inner, "\r\n")
	}
	return strings.TrimSuffix(inner, "\n"), nil
}
