package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProductType(t *testing.T) {
	tests := []struct {
		input   string
		want    ProductType
		wantErr bool
	}{
		{"booster", ProductTypeBooster, false},
		{"ETB", ProductTypeETB, false},
		{" tin ", ProductTypeTin, false},
		{"unknown", ProductTypeUnknown, false},
		{"coffret", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseProductType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProductTypesIsACopy(t *testing.T) {
	types := ProductTypes()
	require.Len(t, types, 7)
	types[0] = "mutated"
	assert.Equal(t, ProductTypeBooster, ProductTypes()[0])
}

func TestCatalogItemValidate(t *testing.T) {
	valid := CatalogItem{
		SeriesID:    "EV",
		SetName:     "Écarlate et Violet",
		Name:        "Booster",
		ProductType: ProductTypeBooster,
		ImageURL:    "https://www.pokecardex.com/img/b.png",
		LocalPath:   "downloads/pokecardex/EV/b.png",
	}
	assert.Empty(t, valid.Validate())

	broken := CatalogItem{ProductType: "coffret", ImageURL: "/img/b.png"}
	problems := broken.Validate()
	assert.Len(t, problems, 5)
	assert.Contains(t, problems, "series id is empty")
	assert.Contains(t, problems, "local path is empty")
}

func TestValidateSeriesID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"SFA", true},
		{"EV3.5", true},
		{"sv-promo_2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../../admin?x=", false},
		{"SFA/decks", false},
		{`SFA\decks`, false},
		{"SFA?page=2", false},
		{"SFA#top", false},
		{"%2e%2e", false},
		{"SF A", false},
		{"SFA\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateSeriesID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSeriesID)
		})
	}
}
