package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ContentAttr marks the element whose content a preview exposes. Without
// it the whole body is used.
const ContentAttr = "data-preview-content"

// ParseHTML extracts content from a rendered page.
func ParseHTML(r io.Reader) (*Content, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse preview: %w", err)
	}
	c := &Content{}
	if root := findElement(doc, atom.Html); root != nil {
		c.Lang = attr(root, "lang")
	}
	root := findAttr(doc, ContentAttr)
	if root == nil {
		root = findElement(doc, atom.Body)
	}
	if root == nil {
		return c, nil
	}

	var hb strings.Builder
	for ch := root.FirstChild; ch != nil; ch = ch.NextSibling {
		if err := html.Render(&hb, ch); err != nil {
			return nil, fmt.Errorf("render preview: %w", err)
		}
	}
	c.HTML = strings.TrimSpace(hb.String())

	var tb strings.Builder
	innerText(&tb, root)
	c.Text = cleanLines(tb.String())
	return c, nil
}

var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true, atom.Head: true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Header: true,
	atom.Footer: true, atom.Main: true, atom.Nav: true, atom.Aside: true, atom.Li: true,
	atom.Ul: true, atom.Ol: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true,
	atom.Tr: true, atom.Figure: true, atom.Figcaption: true,
}

func innerText(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(collapseSpace(n.Data))
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.Br {
			sb.WriteString("\n")
			return
		}
	}
	block := n.Type == html.ElementNode && blocks[n.DataAtom]
	if block {
		sb.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		innerText(sb, c)
	}
	if block {
		sb.WriteString("\n")
	}
}

// collapseSpace turns every whitespace run into a single space, keeping
// a leading or trailing one so adjacent inline text stays separated.
func collapseSpace(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				sb.WriteByte(' ')
			}
			space = true
			continue
		}
		sb.WriteRune(r)
		space = false
	}
	return sb.String()
}

// cleanLines collapses whitespace inside lines and drops empty lines.
func cleanLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = NormalizeWhitespace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func findAttr(n *html.Node, key string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == key {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findAttr(c, key); found != nil {
			return found
		}
	}
	return nil
}

// HTTPPreview fetches a server-rendered preview and parses it.
type HTTPPreview struct {
	loader
	URL    string
	client *http.Client
}

// NewHTTPPreview creates a preview of url. hc may be nil.
func NewHTTPPreview(url string, hc *http.Client) *HTTPPreview {
	if hc == nil {
		hc = http.DefaultClient
	}
	p := &HTTPPreview{URL: url, client: hc}
	p.fetch = p.get
	return p
}

func (p *HTTPPreview) get(ctx context.Context) (*Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("preview returned %s", resp.Status)
	}
	return ParseHTML(resp.Body)
}
