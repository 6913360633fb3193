package markup

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLToText reduces an HTML fragment (a calendar description, a mail
// body) to readable plain text. Block elements become paragraph breaks,
// <br> and list items become line breaks, everything else is dropped.
func HTMLToText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		// The parser swallows malformed markup; only a broken reader
		// gets here, and ours is a strings.Reader.
		return strings.Join(strings.Fields(raw), " ")
	}
	var f flattener
	f.walk(doc)
	return f.text.String()
}

// Separator strengths, weakest to strongest. A flattener owes at most
// one separator between text runs and always pays the strongest owed.
const (
	brkNone  = iota
	brkSpace // adjacent text runs
	brkLine  // <br> or a list item boundary
	brkPara  // block element boundary
)

var brkText = [...]string{brkNone: "", brkSpace: " ", brkLine: "\n", brkPara: "\n\n"}

// flattener folds a parsed DOM into plain text. Because separators are
// owed rather than written eagerly, the output carries no leading or
// trailing whitespace and no doubled breaks, however the markup nests.
type flattener struct {
	text strings.Builder
	brk  int
}

func (f *flattener) walk(n *html.Node) {
	if n.Type == html.TextNode {
		f.run(n.Data)
		return
	}
	if n.Type != html.ElementNode {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f.walk(c)
		}
		return
	}
	if hidden(n.DataAtom) {
		return
	}

	f.owe(elementBreak(n.DataAtom))
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		f.walk(c)
	}
	f.owe(elementBreak(n.DataAtom))
}

// run appends a whitespace-normalized text run, paying any owed
// separator first. Runs of spaces and newlines inside the node
// collapse to single spaces, matching how HTML renders them.
func (f *flattener) run(s string) {
	words := strings.Fields(s)
	if len(words) == 0 {
		return
	}
	if f.text.Len() > 0 {
		f.text.WriteString(brkText[f.brk])
	}
	f.text.WriteString(strings.Join(words, " "))
	f.brk = brkSpace
}

// owe records a pending separator, keeping the strongest.
func (f *flattener) owe(brk int) {
	if brk > f.brk {
		f.brk = brk
	}
}

// hidden reports elements whose content never belongs in a chat
// rendering of a mail or event body.
func hidden(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Iframe, atom.Svg, atom.Head, atom.Title:
		return true
	}
	return false
}

// elementBreak maps an element to the separator its boundary earns.
func elementBreak(a atom.Atom) int {
	switch a {
	case atom.Br, atom.Li:
		return brkLine
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Blockquote,
		atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Tr, atom.Hr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return brkPara
	}
	return brkNone
}
