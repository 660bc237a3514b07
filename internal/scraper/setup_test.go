package scraper

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/pokecardex-scraper/internal/config"
)

func TestFromConfig_HTTPMode(t *testing.T) {
	site := &siteStub{imageRequests: map[string]int{}, failingImages: map[string]bool{}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	root := filepath.Join(t.TempDir(), "pokecardex")
	cfg := &config.Config{
		Site: config.SiteConfig{
			BaseURL:      srv.URL,
			TaxonomyPath: DefaultTaxonomyPath,
			DownloadRoot: root,
		},
		Scraper: config.ScraperConfig{
			Timeout:             5 * time.Second,
			FetchMode:           config.FetchModeHTTP,
			DownloadConcurrency: 2,
		},
	}

	svc, cleanup, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer cleanup()

	items, err := svc.CrawlAll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, filepath.Join(root, "EV1", "ev1-deck.png"), items[2].LocalPath)
	assert.FileExists(t, items[2].LocalPath)
}

func TestFromConfig_RejectsBadBaseURL(t *testing.T) {
	cfg := &config.Config{
		Site:    config.SiteConfig{BaseURL: "not a url", DownloadRoot: t.TempDir()},
		Scraper: config.ScraperConfig{FetchMode: config.FetchModeHTTP},
	}

	_, _, err := FromConfig(cfg, nil)
	assert.Error(t, err)
}
