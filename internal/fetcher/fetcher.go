package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/maltedev/pokecardex-scraper/internal/ratelimit"
)

// ErrFetch is matched by every error returned from a Fetcher.
var ErrFetch = errors.New("fetch failed")

var errUnsupportedURL = errors.New("not an http(s) url")

// FetchError describes a failed GET. StatusCode is zero when no response
// was received.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Fetcher performs single-attempt GETs against the target site.
type Fetcher interface {
	Document(ctx context.Context, rawURL string) (*goquery.Document, error)
	Stream(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	UserAgent    string
	RateLimitMin time.Duration
	RateLimitMax time.Duration
}

// HTTPFetcher is the resty-backed Fetcher. It owns the site base URL;
// relative references are resolved against it.
type HTTPFetcher struct {
	client  *resty.Client
	base    *url.URL
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
}

func NewHTTPFetcher(opts Options, logger *slog.Logger) (*HTTPFetcher, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(base.String()).
		SetRetryCount(0).
		SetHeader("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.8")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	var limiter ratelimit.RateLimiter = ratelimit.Noop{}
	if opts.RateLimitMax > 0 {
		limiter = ratelimit.NewSimpleRateLimiter(opts.RateLimitMin, opts.RateLimitMax)
	}

	return &HTTPFetcher{
		client:  client,
		base:    base,
		limiter: limiter,
		logger:  logger.With("component", "fetcher"),
	}, nil
}

func (f *HTTPFetcher) BaseURL() string { return f.base.String() }

// ResolveURL returns ref unchanged when it is an absolute http(s) URL,
// otherwise ref placed under the base URL. See Resolve.
func (f *HTTPFetcher) ResolveURL(ref string) string {
	return Resolve(f.base, ref)
}

func (f *HTTPFetcher) target(rawURL string) (string, error) {
	target := f.ResolveURL(rawURL)
	if target == "" {
		return "", &FetchError{URL: rawURL, Err: errUnsupportedURL}
	}
	return target, nil
}

func (f *HTTPFetcher) Document(ctx context.Context, rawURL string) (*goquery.Document, error) {
	target, err := f.target(rawURL)
	if err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		Get(target)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode(), Err: errors.New(resp.Status())}
	}

	f.logger.Debug("document fetched", "url", target, "bytes", len(resp.Body()), "duration", resp.Time())

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, &FetchError{URL: target, Err: fmt.Errorf("parse html: %w", err)}
	}
	return doc, nil
}

// Stream returns the raw response body. The caller must close it.
func (f *HTTPFetcher) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	target, err := f.target(rawURL)
	if err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(target)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}

	body := resp.RawBody()
	if !resp.IsSuccess() {
		if body != nil {
			body.Close()
		}
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode(), Err: errors.New(resp.Status())}
	}
	if body == nil {
		return nil, &FetchError{URL: target, Err: errors.New("empty response body")}
	}
	return body, nil
}

// Resolve returns ref verbatim when it is an absolute http(s) URL. Any other
// reference is placed under base: protocol-relative refs take the base
// scheme, paths are appended to the base path so a base of
// https://host/fr maps /img/a.png to https://host/fr/img/a.png. Refs with
// another scheme (data:, javascript:) cannot be fetched and yield "".
func Resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}

	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		if u.Host == "" {
			return ""
		}
		return ref
	case u.Scheme != "":
		return ""
	case u.Host != "":
		return base.ResolveReference(u).String()
	}

	resolved := *base
	resolved.Path = path.Join("/", base.Path, u.Path)
	if strings.HasSuffix(u.Path, "/") && resolved.Path != "/" {
		resolved.Path += "/"
	}
	resolved.RawPath = ""
	resolved.RawQuery = u.RawQuery
	resolved.Fragment = ""
	return resolved.String()
}
