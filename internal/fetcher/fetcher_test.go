package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, handler http.Handler) (*HTTPFetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f, err := NewHTTPFetcher(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, UserAgent: "test-agent"}, nil)
	require.NoError(t, err)
	return f, srv
}

func TestNewHTTPFetcher_RejectsRelativeBase(t *testing.T) {
	_, err := NewHTTPFetcher(Options{BaseURL: "/series"}, nil)
	assert.Error(t, err)
}

func TestHTTPFetcher_Document(t *testing.T) {
	var gotUA string
	f, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		assert.Equal(t, "/series/SFA/decks", r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body><h3>Booster</h3></body></html>`)
	}))

	doc, err := f.Document(context.Background(), "/series/SFA/decks")
	require.NoError(t, err)
	assert.Equal(t, "Booster", doc.Find("h3").Text())
	assert.Equal(t, "test-agent", gotUA)
}

func TestHTTPFetcher_DocumentNon2xx(t *testing.T) {
	f, srv := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))

	_, err := f.Document(context.Background(), "/series/XX/decks")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, srv.URL+"/series/XX/decks", fe.URL)
}

func TestHTTPFetcher_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	f, err := NewHTTPFetcher(Options{BaseURL: base, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = f.Document(context.Background(), "/series/SFA/decks")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, fe.StatusCode)
}

func TestHTTPFetcher_Stream(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}
	f, srv := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/missing.png" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(payload)
	}))

	body, err := f.Stream(context.Background(), srv.URL+"/img/sfa-box.png")
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, payload, got)

	_, err = f.Stream(context.Background(), "/img/missing.png")
	assert.ErrorIs(t, err, ErrFetch)
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	f, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html></html>")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Document(ctx, "/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		base string
		ref  string
		want string
	}{
		{"root relative", "https://example.test", "/img/sfa-box.png", "https://example.test/img/sfa-box.png"},
		{"path relative", "https://example.test", "img/sfa-box.png", "https://example.test/img/sfa-box.png"},
		{"absolute https", "https://example.test", "https://cdn.example.test/a.png", "https://cdn.example.test/a.png"},
		{"absolute http", "https://example.test", "http://other.test/b.png", "http://other.test/b.png"},
		{"protocol relative", "https://example.test", "//cdn.example.test/c.png", "https://cdn.example.test/c.png"},
		{"relative path starting with http", "https://example.test", "httpdocs/sfa-box.png", "https://example.test/httpdocs/sfa-box.png"},
		{"relative path named https", "https://example.test", "/https/box.png", "https://example.test/https/box.png"},
		{"base path kept for root relative", "https://example.test/fr", "/img/a.png", "https://example.test/fr/img/a.png"},
		{"base path kept for path relative", "https://example.test/fr", "img/a.png", "https://example.test/fr/img/a.png"},
		{"query kept", "https://example.test", "/img/a.png?v=2", "https://example.test/img/a.png?v=2"},
		{"trailing slash kept", "https://example.test/fr", "img/", "https://example.test/fr/img/"},
		{"data uri", "https://example.test", "data:image/png;base64,AAAA", ""},
		{"javascript", "https://example.test", "javascript:void(0)", ""},
		{"scheme without host", "https://example.test", "http:box.png", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := url.Parse(tt.base)
			require.NoError(t, err)

			got := Resolve(base, tt.ref)
			assert.Equal(t, tt.want, got)
			if got != "" {
				u, err := url.Parse(got)
				require.NoError(t, err)
				assert.True(t, u.IsAbs(), "resolved url %q must be absolute", got)
			}
		})
	}
}

func TestHTTPFetcher_UnsupportedURL(t *testing.T) {
	f, err := NewHTTPFetcher(Options{BaseURL: "https://example.test"}, nil)
	require.NoError(t, err)

	_, err = f.Stream(context.Background(), "data:image/png;base64,AAAA")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 0, fe.StatusCode)
}

type stubRenderer struct {
	html string
	err  error
}

func (s stubRenderer) Content(ctx context.Context, url string) (string, error) {
	return s.html, s.err
}

func TestBrowserFetcher(t *testing.T) {
	httpFetcher, err := NewHTTPFetcher(Options{BaseURL: "https://example.test"}, nil)
	require.NoError(t, err)

	bf := NewBrowserFetcher(stubRenderer{html: `<div class="menu-serie-container"></div>`}, httpFetcher, nil)
	doc, err := bf.Document(context.Background(), "/series/SFA/decks")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Find(".menu-serie-container").Length())

	failing := NewBrowserFetcher(stubRenderer{err: errors.New("navigation failed")}, httpFetcher, nil)
	_, err = failing.Document(context.Background(), "/series/SFA/decks")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "https://example.test/series/SFA/decks", fe.URL)
}
