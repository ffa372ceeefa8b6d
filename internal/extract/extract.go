// Package extract fetches article pages and reduces their primary content
// region to plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// contentSelectors lists common content containers in descending
// preference; the first match wins, the document body is the fallback.
const contentSelectors = "article, .article, .post, .content, main, #content, #main"

// ErrNoContent signals that the page yielded no usable text.
var ErrNoContent = errors.New("extract: no usable content found")

// FetchError reports an unreachable URL or a non-200 response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves article pages over HTTP with a bounded timeout.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Extract downloads url and returns the plain text of its main content
// region. Non-200 responses and transport failures come back as a
// *FetchError; a page with no text at all returns ErrNoContent.
func (f *Fetcher) Extract(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", url, err)
	}

	return ReduceDocument(doc)
}

// ReduceDocument strips scripts and styles, selects the primary content
// region and collapses it to whitespace-normalized plain text.
func ReduceDocument(doc *goquery.Document) (string, error) {
	doc.Find("script, style, noscript").Remove()

	region := doc.Find(contentSelectors).First()
	if region.Length() == 0 {
		region = doc.Find("body")
	}

	text := normalizeWhitespace(region.Text())
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
