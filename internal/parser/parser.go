package parser

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/pokecardex-scraper/internal/fetcher"
	"github.com/maltedev/pokecardex-scraper/internal/models"
)

const (
	navigationLinkSelector = ".menu-serie-container a"
	seriesLabelSelector    = ".nom_ext"
	seriesPathSegment      = "/series/"
	setLogoSelector        = "img.serie-logo-big"
	sectionHeaderTag       = "h3"

	// UnknownSetName is used when a series page has no logo alt text.
	UnknownSetName = "Unknown Set"
)

type keywordRule struct {
	keywords    []string
	productType models.ProductType
}

// Header keywords are tested in this order and the first hit wins, so a
// "Boosters Coffret" header is a booster section. Matching is case-sensitive.
var classificationRules = []keywordRule{
	{[]string{"Booster"}, models.ProductTypeBooster},
	{[]string{"Deck"}, models.ProductTypeDeck},
	{[]string{"Portfolio"}, models.ProductTypePortfolio},
	{[]string{"Coffret"}, models.ProductTypeBox},
	{[]string{"Tin"}, models.ProductTypeTin},
	{[]string{"ETB", "Elite Trainer Box"}, models.ProductTypeETB},
}

// Image sources containing any of these are site iconography, not products.
var blockedImageSubstrings = []string{"icon", "symboles"}

// ExtractSeries reads the navigation menu of a series page and returns the
// series it links to, in document order. Links without both an id and a
// label are skipped.
func ExtractSeries(doc *goquery.Document) []models.SeriesRef {
	var series []models.SeriesRef

	doc.Find(navigationLinkSelector).Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok || !strings.Contains(href, seriesPathSegment) {
			return
		}

		id := href[strings.LastIndex(href, "/")+1:]
		name := strings.TrimSpace(link.Find(seriesLabelSelector).Text())
		if id == "" || name == "" {
			return
		}

		series = append(series, models.SeriesRef{ID: id, Name: name})
	})

	return series
}

// ClassifySection maps a section header to a product type.
func ClassifySection(header string) models.ProductType {
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(header, kw) {
				return rule.productType
			}
		}
	}
	return models.ProductTypeUnknown
}

// Parser turns series listing pages into catalog items. It carries the
// site base used to absolutize image sources and the local download root.
type Parser struct {
	base         *url.URL
	downloadRoot string
	logger       *slog.Logger
}

func New(baseURL, downloadRoot string, logger *slog.Logger) (*Parser, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Parser{
		base:         base,
		downloadRoot: downloadRoot,
		logger:       logger.With("component", "parser"),
	}, nil
}

// LocalPath is the deterministic on-disk location for an image of a series.
func (p *Parser) LocalPath(seriesID, imageURL string) string {
	return filepath.Join(p.downloadRoot, seriesID, imageBasename(imageURL))
}

// ExtractItems emits one item per product image under each h3 section of a
// series page. A page without h3 headers yields no items.
func (p *Parser) ExtractItems(seriesID string, doc *goquery.Document) []models.CatalogItem {
	setName := strings.TrimSpace(doc.Find(setLogoSelector).First().AttrOr("alt", ""))
	if setName == "" {
		setName = UnknownSetName
	}

	var items []models.CatalogItem

	doc.Find(sectionHeaderTag).Each(func(_ int, header *goquery.Selection) {
		title := strings.TrimSpace(header.Text())
		productType := ClassifySection(title)

		p.logger.Debug("section found", "series", seriesID, "title", title, "type", productType)

		for _, img := range sectionImages(header.NextUntil(sectionHeaderTag)) {
			src := strings.TrimSpace(img.AttrOr("src", ""))
			if src == "" || isBlockedImage(src) {
				continue
			}

			imageURL := fetcher.Resolve(p.base, src)
			if imageURL == "" {
				p.logger.Debug("image with unsupported url skipped", "series", seriesID, "src", src)
				continue
			}
			basename := imageBasename(imageURL)
			if basename == "" {
				p.logger.Debug("image without file name skipped", "series", seriesID, "src", src)
				continue
			}

			name := strings.TrimSpace(img.AttrOr("alt", ""))
			if name == "" {
				name = fmt.Sprintf("%s - %s", setName, productType)
			}

			items = append(items, models.CatalogItem{
				SeriesID:    seriesID,
				SetName:     setName,
				Name:        name,
				ProductType: productType,
				ImageURL:    imageURL,
				LocalPath:   filepath.Join(p.downloadRoot, seriesID, basename),
			})
		}
	})

	return items
}

// sectionImages returns the img elements of a section in document order,
// including section siblings that are themselves images.
func sectionImages(section *goquery.Selection) []*goquery.Selection {
	var images []*goquery.Selection
	section.Each(func(_ int, node *goquery.Selection) {
		if goquery.NodeName(node) == "img" {
			images = append(images, node)
		}
		node.Find("img").Each(func(_ int, img *goquery.Selection) {
			images = append(images, img)
		})
	})
	return images
}

func isBlockedImage(src string) bool {
	for _, blocked := range blockedImageSubstrings {
		if strings.Contains(src, blocked) {
			return true
		}
	}
	return false
}

func imageBasename(imageURL string) string {
	p := imageURL
	if u, err := url.Parse(imageURL); err == nil {
		p = u.Path
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
