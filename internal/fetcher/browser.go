package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/pokecardex-scraper/internal/browser"
)

// Renderer returns fully rendered HTML for a URL.
type Renderer interface {
	Content(ctx context.Context, url string) (string, error)
}

// BrowserFetcher renders documents in a real browser and delegates binary
// streams to an HTTPFetcher.
type BrowserFetcher struct {
	renderer Renderer
	http     *HTTPFetcher
	logger   *slog.Logger
}

func NewBrowserFetcher(renderer Renderer, httpFetcher *HTTPFetcher, logger *slog.Logger) *BrowserFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserFetcher{
		renderer: renderer,
		http:     httpFetcher,
		logger:   logger.With("component", "browser_fetcher"),
	}
}

func (f *BrowserFetcher) BaseURL() string { return f.http.BaseURL() }

func (f *BrowserFetcher) ResolveURL(ref string) string { return f.http.ResolveURL(ref) }

func (f *BrowserFetcher) Document(ctx context.Context, rawURL string) (*goquery.Document, error) {
	target, err := f.http.target(rawURL)
	if err != nil {
		return nil, err
	}

	html, err := f.renderer.Content(ctx, target)
	if err != nil {
		fe := &FetchError{URL: target, Err: err}
		var se *browser.StatusError
		if errors.As(err, &se) {
			fe.StatusCode = se.StatusCode
		}
		return nil, fe
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &FetchError{URL: target, Err: fmt.Errorf("parse html: %w", err)}
	}
	return doc, nil
}

func (f *BrowserFetcher) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return f.http.Stream(ctx, rawURL)
}
