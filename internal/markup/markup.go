// Package markup converts between the text shapes Seneschal deals in:
// markdown written by the digest and planner, the asterisk-and-tilde
// formatting chat messengers render, and the HTML bodies that arrive in
// calendar descriptions and mail.
package markup

import (
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// The parser configuration never changes and a goldmark parser is safe
// to share; per-call state lives in the reader.
var (
	mdParser     goldmark.Markdown
	mdParserOnce sync.Once
)

func parser() goldmark.Markdown {
	mdParserOnce.Do(func() {
		mdParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return mdParser
}

// ToChat renders markdown as messenger text: *bold*, _italic_,
// ~strikethrough~, backtick code, "- " bullets, and "label (url)"
// links. Headings become bold lines. Soft line breaks inside a
// paragraph reflow to spaces.
func ToChat(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	source := []byte(md)
	doc := parser().Parser().Parse(text.NewReader(source))

	r := &chatRenderer{source: source}
	ast.Walk(doc, r.walk)
	return strings.TrimRight(r.out.String(), "\n")
}

type listState struct {
	ordered bool
	index   int
}

// chatRenderer walks a goldmark AST and accumulates messenger text. A
// direct walk is simpler than goldmark's renderer interface here: there
// is no HTML escaping, no wrapping, just prefix bookkeeping.
type chatRenderer struct {
	source []byte
	out    strings.Builder

	// trailingNewlines tracks how the output currently ends so block
	// separation stays idempotent.
	trailingNewlines int

	lists      []listState
	quoteDepth int
}

func (r *chatRenderer) write(s string) {
	if s == "" {
		return
	}
	r.out.WriteString(s)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != '\n' {
			r.trailingNewlines = 0
			return
		}
		r.trailingNewlines++
		if r.trailingNewlines >= 2 {
			r.trailingNewlines = 2
			return
		}
	}
}

// newline ends the current line if one is in progress.
func (r *chatRenderer) newline() {
	if r.out.Len() > 0 && r.trailingNewlines == 0 {
		r.write("\n")
	}
}

// blankLine separates blocks with exactly one empty line.
func (r *chatRenderer) blankLine() {
	if r.out.Len() == 0 {
		return
	}
	for r.trailingNewlines < 2 {
		r.write("\n")
	}
}

func (r *chatRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n.Kind() {
	case ast.KindText:
		if entering {
			t := n.(*ast.Text)
			r.write(string(t.Segment.Value(r.source)))
			if t.HardLineBreak() {
				r.write("\n")
			} else if t.SoftLineBreak() {
				r.write(" ")
			}
		}

	case ast.KindString:
		if entering {
			r.write(string(n.(*ast.String).Value))
		}

	case ast.KindParagraph:
		if entering {
			if len(r.lists) == 0 {
				r.blankLine()
			}
			if r.quoteDepth > 0 {
				r.write("> ")
			}
		} else {
			r.newline()
		}

	case ast.KindTextBlock:
		// Tight list item content.
		if !entering {
			r.newline()
		}

	case ast.KindHeading:
		if entering {
			r.blankLine()
			r.write("*")
		} else {
			r.write("*")
			r.newline()
		}

	case ast.KindEmphasis:
		if n.(*ast.Emphasis).Level >= 2 {
			r.write("*")
		} else {
			r.write("_")
		}

	case extast.KindStrikethrough:
		r.write("~")

	case ast.KindCodeSpan:
		r.write("`")

	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		if entering {
			r.blankLine()
			r.write("```\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				r.write(string(seg.Value(r.source)))
			}
			r.write("```")
			r.newline()
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			link := n.(*ast.Link)
			label := string(n.Text(r.source))
			dest := string(link.Destination)
			if label == "" || label == dest {
				r.write(dest)
			} else {
				r.write(label + " (" + dest + ")")
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindAutoLink:
		if entering {
			r.write(string(n.(*ast.AutoLink).URL(r.source)))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindImage:
		// Keep the alt text, drop the image itself.
		if entering {
			r.write(string(n.Text(r.source)))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindList:
		if entering {
			if len(r.lists) == 0 {
				r.blankLine()
			}
			list := n.(*ast.List)
			r.lists = append(r.lists, listState{ordered: list.IsOrdered(), index: list.Start - 1})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.newline()
			}
		}

	case ast.KindListItem:
		if entering {
			r.newline()
			top := &r.lists[len(r.lists)-1]
			r.write(strings.Repeat("  ", len(r.lists)-1))
			if top.ordered {
				top.index++
				r.write(strconv.Itoa(top.index) + ". ")
			} else {
				r.write("- ")
			}
		}

	case ast.KindBlockquote:
		if entering {
			r.blankLine()
			r.quoteDepth++
		} else {
			r.quoteDepth--
		}

	case ast.KindThematicBreak:
		if entering {
			r.blankLine()
		}

	case ast.KindHTMLBlock, ast.KindRawHTML:
		// Inline HTML has no messenger rendering.
		return ast.WalkSkipChildren, nil
	}

	return ast.WalkContinue, nil
}
