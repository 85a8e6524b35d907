package priceadapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/tariffpresets"
)

func TestTariffCardAdapter_ImportFallsBackToImportFlatCents(t *testing.T) {
	preset := tariffpresets.Preset{
		ID: "partial_coverage",
		ImportRules: []tariffpresets.RateRule{
			{FromDayOfWeek: tariffpresets.Monday, ToDayOfWeek: tariffpresets.Friday, FromHour: 15, ToHour: 21, Cents: 40},
		},
		ExportFlatCents: 5,
		ImportFlatCents: 18,
	}
	adapter := NewTariffCardAdapter(preset, time.UTC)
	adapter.now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) } // Monday, outside the only rule's window

	snap, err := adapter.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18.0, snap.Import.PerKWhCents, "uncovered import hour should fall back to ImportFlatCents, not ExportFlatCents")
	assert.Equal(t, 5.0, snap.Export.PerKWhCents)
}

func TestTariffCardAdapter_ImportUsesMatchingRule(t *testing.T) {
	preset := tariffpresets.Preset{
		ImportRules: []tariffpresets.RateRule{
			{FromDayOfWeek: tariffpresets.Monday, ToDayOfWeek: tariffpresets.Friday, FromHour: 15, ToHour: 21, Cents: 40},
		},
		ExportFlatCents: 5,
		ImportFlatCents: 18,
	}
	adapter := NewTariffCardAdapter(preset, time.UTC)
	adapter.now = func() time.Time { return time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC) } // Monday, inside the rule's window

	snap, err := adapter.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40.0, snap.Import.PerKWhCents)
}

func TestTariffCardAdapter_ForecastCoversHorizon(t *testing.T) {
	preset := tariffpresets.Builtin["globird_tou"]
	adapter := NewTariffCardAdapter(preset, time.UTC)
	adapter.now = func() time.Time { return time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC) }

	points, err := adapter.Forecast(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Len(t, points, 8) // 4 half-hour slots x 2 channels

	for _, p := range points {
		assert.Equal(t, prices.Forecast, p.Kind)
	}
}
