package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/maltedev/pokecardex-scraper/internal/storage"
)

// ErrTaxonomyFetch is matched by errors that abort a whole crawl because
// the series list could not be loaded.
var ErrTaxonomyFetch = errors.New("taxonomy fetch failed")

type TaxonomyFetchError struct {
	URL string
	Err error
}

func (e *TaxonomyFetchError) Error() string {
	return fmt.Sprintf("fetch series list from %s: %v", e.URL, e.Err)
}

func (e *TaxonomyFetchError) Unwrap() error { return e.Err }

func (e *TaxonomyFetchError) Is(target error) bool { return target == ErrTaxonomyFetch }

// Materializer ensures a remote image exists at a local path.
type Materializer interface {
	Materialize(ctx context.Context, imageURL, localPath string) (storage.Outcome, error)
}

const DefaultTaxonomyPath = "/series/SFA/decks"

// SeriesPath is the listing page of one series relative to the site base.
// The id is escaped so it always stays a single path segment.
func SeriesPath(seriesID string) string {
	return fmt.Sprintf("/series/%s/decks", url.PathEscape(seriesID))
}
