package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultUserAgent    = "ragdesk/1.0"
)

const maxPageBytes int64 = 10 * 1024 * 1024

// WebPage is the readable text of a fetched page with its metadata.
type WebPage struct {
	URL         string
	Title       string
	Description string
	Text        string
}

// WordCount returns the number of whitespace separated words in Text.
func (p *WebPage) WordCount() int {
	return len(strings.Fields(p.Text))
}

// WebsiteFetcher downloads a page and reduces it to plain text.
type WebsiteFetcher struct {
	client    *http.Client
	userAgent string
	retry     RetryPolicy
}

// NewWebsiteFetcher uses a 30s timeout and the ragdesk user agent when the
// arguments are zero.
func NewWebsiteFetcher(timeout time.Duration, userAgent string, retry RetryPolicy) *WebsiteFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return &WebsiteFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		retry:     retry.normalized(),
	}
}

// statusError is a non-2xx response. Client errors are not retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func permanentFetchError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests
	}
	return errors.Is(err, ErrUnsupportedFileType)
}

// Fetch retrieves rawURL and extracts its text, title and meta description.
func (f *WebsiteFetcher) Fetch(ctx context.Context, rawURL string) (*WebPage, error) {
	target, err := ValidateWebsiteURL(rawURL)
	if err != nil {
		return nil, err
	}

	var page *WebPage
	err = f.retry.retry(ctx, "fetch "+target, permanentFetchError, func(ctx context.Context) error {
		var err error
		page, err = f.fetchOnce(ctx, target)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnsupportedFileType) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if strings.TrimSpace(page.Text) == "" {
		return nil, fmt.Errorf("%w: no text content found at %s", ErrExtractionFailed, target)
	}
	if page.Title == "" {
		page.Title = target
	}
	log.Printf("knowledge: fetched %s (%d words)", target, page.WordCount())
	return page, nil
}

func (f *WebsiteFetcher) fetchOnce(ctx context.Context, target string) (*WebPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		title, description, text, err := parseHTML(body)
		if err != nil {
			return nil, err
		}
		return &WebPage{URL: target, Title: title, Description: description, Text: text}, nil
	case strings.HasPrefix(mediaType, "text/"):
		return &WebPage{URL: target, Text: strings.ToValidUTF8(string(body), "�")}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, mediaType)
	}
}

// ValidateWebsiteURL accepts absolute http and https URLs only.
func ValidateWebsiteURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q must start with http:// or https://", ErrInvalidURL, trimmed)
	}
	return u.String(), nil
}

func extractHTML(data []byte) (string, error) {
	_, _, text, err := parseHTML(data)
	if err != nil {
		return "", fmt.Errorf("%w: parse html: %v", ErrExtractionFailed, err)
	}
	return text, nil
}

// skippedElements never contribute text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Head:     true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Blockquote: true, atom.Pre: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
}

func parseHTML(data []byte) (title, description, text string, err error) {
	doc, err := html.Parse(strings.NewReader(strings.ToValidUTF8(string(data), "�")))
	if err != nil {
		return "", "", "", err
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.Join(strings.Fields(n.FirstChild.Data), " ")
				}
				return
			case atom.Meta:
				if description == "" && strings.EqualFold(attr(n, "name"), "description") {
					description = strings.TrimSpace(attr(n, "content"))
				}
				return
			}
			if skippedElements[n.DataAtom] {
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.ElementNode && (c.DataAtom == atom.Title || c.DataAtom == atom.Meta) {
						walk(c)
					}
				}
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return title, description, collapseLines(b.String()), nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// collapseLines squeezes runs of whitespace inside each line and drops
// empty lines.
func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if fields := strings.Fields(line); len(fields) > 0 {
			out = append(out, strings.Join(fields, " "))
		}
	}
	return strings.Join(out, "\n")
}
