// Package markdown extracts translatable prose from Markdown.
package markdown

import (
	"strings"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

// ProseText returns the text nodes of md joined by single spaces. Code
// blocks, inline code and raw HTML are skipped because they are never
// translated and would mislead language detection.
func ProseText(md string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	doc := p.Parse([]byte(md))

	var b strings.Builder
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch n := node.(type) {
		case *ast.CodeBlock, *ast.Code, *ast.HTMLBlock, *ast.HTMLSpan:
			return ast.SkipChildren
		case *ast.Text:
			b.Write(n.Literal)
			b.WriteByte(' ')
		}
		return ast.GoToNext
	})

	return strings.Join(strings.Fields(b.String()), " ")
}
