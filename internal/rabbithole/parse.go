package rabbithole

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parser turns one document kind into plain text ready for splitting.
type Parser interface {
	// Name identifies the parser for logging and filtering.
	Name() string
	// Matches reports whether this parser handles the document, judged
	// by content type first and source extension as fallback.
	Matches(contentType, source string) bool
	// Parse extracts the title (possibly empty) and readable text.
	Parse(doc *Document) (title, text string, err error)
}

// DefaultParsers returns the built-in parser set in match order. The
// set is filterable at construction through Options.Parsers.
func DefaultParsers() []Parser {
	return []Parser{markdownParser{}, htmlParser{}, textParser{}}
}

type textParser struct{}

func (textParser) Name() string { return "text" }

func (textParser) Matches(contentType, source string) bool {
	if strings.HasPrefix(contentType, "text/plain") {
		return true
	}
	return contentType == "" && path.Ext(source) == ".txt"
}

func (textParser) Parse(doc *Document) (string, string, error) {
	if !utf8.Valid(doc.Data) {
		return "", "", fmt.Errorf("document is not valid UTF-8 text")
	}
	return "", strings.TrimSpace(string(doc.Data)), nil
}

// markdownParser renders markdown to HTML and extracts the readable
// text, so formatting noise never reaches the splitter.
type markdownParser struct{}

func (markdownParser) Name() string { return "markdown" }

func (markdownParser) Matches(contentType, source string) bool {
	if strings.HasPrefix(contentType, "text/markdown") {
		return true
	}
	ext := path.Ext(source)
	return contentType == "" && (ext == ".md" || ext == ".markdown")
}

func (markdownParser) Parse(doc *Document) (string, string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(doc.Data, &buf); err != nil {
		return "", "", fmt.Errorf("render markdown: %w", err)
	}
	title, text := extractHTML(buf.String())
	return title, text, nil
}

type htmlParser struct{}

func (htmlParser) Name() string { return "html" }

func (htmlParser) Matches(contentType, source string) bool {
	if strings.HasPrefix(contentType, "text/html") {
		return true
	}
	ext := path.Ext(source)
	return contentType == "" && (ext == ".html" || ext == ".htm")
}

func (htmlParser) Parse(doc *Document) (string, string, error) {
	title, text := extractHTML(string(doc.Data))
	if text == "" {
		return "", "", fmt.Errorf("no readable text in document")
	}
	return title, text, nil
}

// skipAtoms are elements whose subtree carries no readable content.
var skipAtoms = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
}

// extractHTML parses markup and returns the document title and its
// readable text, block elements separated by newlines.
func extractHTML(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", normalizeSpace(raw)
	}
	var sb strings.Builder
	walkHTML(doc, &sb, &title)
	return strings.TrimSpace(title), normalizeSpace(sb.String())
}

func walkHTML(n *html.Node, sb *strings.Builder, title *string) {
	switch n.Type {
	case html.ElementNode:
		if n.DataAtom == atom.Title {
			if *title == "" {
				*title = nodeText(n)
			}
			return
		}
		if skipAtoms[n.DataAtom] {
			return
		}
		if isBlock(n.DataAtom) && sb.Len() > 0 {
			sb.WriteString("\n")
		}
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			sb.WriteString(t)
			sb.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, sb, title)
	}
	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		sb.WriteString("\n")
	}
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Hr:
		return true
	}
	return false
}

// normalizeSpace collapses runs of spaces within lines and drops blank
// lines.
func normalizeSpace(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
