package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kosciak9/manfrod/internal/httpkit"
)

const (
	fetchMaxBodyBytes = 2 << 20 // 2 MiB of raw HTML
	fetchMaxTextBytes = 20_000  // readable text handed to the model
)

// Fetcher downloads web pages and reduces them to readable text for
// the model.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a page fetcher with the shared HTTP defaults.
func NewFetcher() *Fetcher {
	return &Fetcher{client: httpkit.NewClient()}
}

// Fetch downloads the page at rawURL and returns its title and text
// content, capped to a model-friendly size.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 1024)
		return "", fmt.Errorf("fetch failed: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") || looksLikeHTML(raw) {
		title, text := extractReadable(string(raw))
		return formatPage(title, text), nil
	}

	// Non-HTML text is passed through as-is.
	return formatPage("", capText(string(raw))), nil
}

func looksLikeHTML(raw []byte) bool {
	head := strings.ToLower(string(raw[:min(len(raw), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func formatPage(title, text string) string {
	if text == "" {
		return "(page has no readable text)"
	}
	if title != "" {
		return fmt.Sprintf("Title: %s\n\n%s", title, text)
	}
	return text
}

// noiseElements are elements whose content never belongs in readable
// output.
var noiseElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
}

// extractReadable parses HTML and returns (title, readable text).
func extractReadable(raw string) (string, string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", capText(stripTags(raw))
	}

	var title string
	var content strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title && title == "" {
				title = strings.TrimSpace(textOf(n))
				return
			}
			if noiseElements[n.DataAtom] {
				return
			}
			if blockElement(n.DataAtom) && content.Len() > 0 {
				content.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				content.WriteString(text)
				content.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
			content.WriteString("\n")
		}
	}
	walk(doc)

	return title, capText(collapseWhitespace(content.String()))
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

func blockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Hr:
		return true
	}
	return false
}

// collapseWhitespace normalizes runs of spaces and blank lines.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var cleaned []string
	prevEmpty := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// stripTags is a fallback for unparseable documents.
func stripTags(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return collapseWhitespace(b.String())
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}

func capText(s string) string {
	if len(s) <= fetchMaxTextBytes {
		return s
	}
	return s[:fetchMaxTextBytes] + "\n\n[... content truncated ...]"
}
