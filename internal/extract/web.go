package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kalambet/folio/internal/capability"
)

const maxPageBytes = 20 << 20

// WebEngine fetches URLs and converts HTML to plain text.
type WebEngine struct {
	client    *http.Client
	userAgent string
}

func NewWebEngine(client *http.Client) *WebEngine {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &WebEngine{client: client, userAgent: "folio/1.0"}
}

// Fetch downloads url and returns its text and resolved content type.
// Non-HTML text responses are returned as-is.
func (w *WebEngine) Fetch(ctx context.Context, url string) (title, text, contentType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", "", capability.MarkPermanent(fmt.Errorf("invalid url %q: %w", url, err))
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", "", "", &capability.ExtractionError{Reason: capability.EngineFailure, ContentType: TypeHTML, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		reason := capability.EngineFailure
		// Missing or forbidden pages will not appear on retry.
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone ||
			resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
			reason = capability.CorruptInput
		}
		return "", "", "", &capability.ExtractionError{Reason: reason, ContentType: TypeHTML, Err: fmt.Errorf("GET %s: status %d", url, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", "", &capability.ExtractionError{Reason: capability.EngineFailure, ContentType: TypeHTML, Err: err}
	}

	ct := ResolveContentType(resp.Header.Get("Content-Type"), url)
	if ct == "" {
		ct = TypeHTML
	}
	switch {
	case ct == TypeHTML || ct == "application/xhtml+xml":
		title, text, err = HTMLToText(body)
		if err != nil {
			return "", "", "", &capability.ExtractionError{Reason: capability.CorruptInput, ContentType: ct, Err: err}
		}
		return title, text, ct, nil
	case SelectEngine(ct, false) == EngineDocument:
		text, err = extractDocument(body, ct)
		return "", text, ct, err
	default:
		return "", "", "", &capability.ExtractionError{Reason: capability.UnsupportedType, ContentType: ct}
	}
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"svg": true, "iframe": true, "head": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
	"blockquote": true, "pre": true, "table": true, "ul": true, "ol": true,
}

// HTMLToText returns the document title and its visible text with block
// elements separated by newlines.
func HTMLToText(page []byte) (title, text string, err error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	return findTitle(doc), strings.TrimSpace(b.String()), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}
