package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maltedev/pokecardex-scraper/internal/models"
)

// Manifest is the serialized result of one crawl.
type Manifest struct {
	GeneratedAt time.Time            `json:"generatedAt"`
	Stats       models.CrawlStats    `json:"stats"`
	Items       []models.CatalogItem `json:"items"`
}

// ManifestStore persists crawl results as a JSON file.
type ManifestStore struct {
	mu       sync.Mutex
	filename string
}

func NewManifestStore(filename string) *ManifestStore {
	return &ManifestStore{filename: filename}
}

func (m *ManifestStore) Save(items []models.CatalogItem, stats models.CrawlStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if items == nil {
		items = []models.CatalogItem{}
	}

	data, err := json.MarshalIndent(Manifest{
		GeneratedAt: time.Now().UTC(),
		Stats:       stats,
		Items:       items,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if dir := filepath.Dir(m.filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manifest directory: %w", err)
		}
	}

	// Write to temp file first for atomicity
	tmpFile := m.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmpFile, m.filename)
}

func (m *ManifestStore) Load() (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filename)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}
