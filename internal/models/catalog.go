package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// SeriesRef identifies one series discovered in the site navigation.
type SeriesRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var ErrInvalidSeriesID = errors.New("invalid series id")

// ValidateSeriesID accepts ids that are a single URL path segment, such as
// "SFA" or "EV3.5".
func ValidateSeriesID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidSeriesID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSeriesID, id)
	case strings.ContainsAny(id, `/\?#%`):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidSeriesID, id)
	case strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0:
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidSeriesID, id)
	}
	return nil
}

type ProductType string

const (
	ProductTypeBooster   ProductType = "booster"
	ProductTypeDeck      ProductType = "deck"
	ProductTypePortfolio ProductType = "portfolio"
	ProductTypeBox       ProductType = "box"
	ProductTypeTin       ProductType = "tin"
	ProductTypeETB       ProductType = "etb"
	ProductTypeUnknown   ProductType = "unknown"
)

var productTypes = []ProductType{
	ProductTypeBooster,
	ProductTypeDeck,
	ProductTypePortfolio,
	ProductTypeBox,
	ProductTypeTin,
	ProductTypeETB,
	ProductTypeUnknown,
}

// ProductTypes returns every known product type.
func ProductTypes() []ProductType {
	out := make([]ProductType, len(productTypes))
	copy(out, productTypes)
	return out
}

func (p ProductType) Valid() bool {
	for _, t := range productTypes {
		if t == p {
			return true
		}
	}
	return false
}

func (p ProductType) String() string { return string(p) }

// ParseProductType accepts only the known lowercase identifiers.
func ParseProductType(s string) (ProductType, error) {
	p := ProductType(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown product type %q", s)
	}
	return p, nil
}

// CatalogItem is one sealed product listing found on a series page.
type CatalogItem struct {
	SeriesID    string      `json:"seriesId"`
	SetName     string      `json:"setName"`
	Name        string      `json:"name"`
	ProductType ProductType `json:"productType"`
	ImageURL    string      `json:"imageUrl"`
	LocalPath   string      `json:"localPath"`
}

// Validate reports every problem with the item; an empty slice means valid.
func (c CatalogItem) Validate() []string {
	var problems []string

	if strings.TrimSpace(c.SeriesID) == "" {
		problems = append(problems, "series id is empty")
	}
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is empty")
	}
	if !c.ProductType.Valid() {
		problems = append(problems, fmt.Sprintf("invalid product type %q", c.ProductType))
	}
	if !strings.HasPrefix(c.ImageURL, "http://") && !strings.HasPrefix(c.ImageURL, "https://") {
		problems = append(problems, fmt.Sprintf("image url %q is not absolute", c.ImageURL))
	}
	if strings.TrimSpace(c.LocalPath) == "" {
		problems = append(problems, "local path is empty")
	}

	return problems
}

// CrawlStats summarizes a full crawl.
type CrawlStats struct {
	Series       int      `json:"series"`
	Items        int      `json:"items"`
	Downloaded   int      `json:"downloaded"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	FailedSeries []string `json:"failedSeries,omitempty"`
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// CrawlRun tracks one asynchronous crawl triggered through the API.
type CrawlRun struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	SeriesID    string     `json:"seriesId,omitempty"`
	Stats       CrawlStats `json:"stats"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
