package tariff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/prices"
)

func mkPoint(hour, minute int, ch prices.Channel, cents float64, kind prices.Kind) prices.PricePoint {
	start := time.Date(2026, 7, 31, hour, minute, 0, 0, time.UTC)
	return prices.PricePoint{
		Start:       start,
		End:         start.Add(30 * time.Minute),
		Channel:     ch,
		PerKWhCents: cents,
		Kind:        kind,
	}
}

func TestTransform_AllPeriodsPresent(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(10, 0, prices.Import, 25.0, prices.Forecast),
		mkPoint(10, 0, prices.Export, -8.0, prices.Forecast),
	}

	doc, err := Transform(Input{
		Forecast: forecast,
		Timezone: time.UTC,
		Header:   Header{Name: "test"},
	})
	require.NoError(t, err)

	for _, label := range PeriodLabels {
		_, okBuy := doc.BuyRates[label]
		_, okSell := doc.SellRates[label]
		assert.True(t, okBuy, "missing buy rate for %s", label)
		assert.True(t, okSell, "missing sell rate for %s", label)
	}
	assert.Equal(t, 0.25, doc.BuyRates["10:00"])
	assert.Equal(t, -0.08, doc.SellRates["10:00"])
}

func TestTransform_ForwardFill(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(0, 0, prices.Import, 20.0, prices.Forecast),
	}
	doc, err := Transform(Input{Forecast: forecast, Timezone: time.UTC, Header: Header{}})
	require.NoError(t, err)
	// every period after 00:00 should forward-fill to 20c = $0.20
	assert.Equal(t, 0.20, doc.BuyRates["23:30"])
}

func TestTransform_CurrentIntervalOverlaysForecast(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(10, 0, prices.Import, 25.0, prices.Forecast),
	}
	current := &prices.PriceSnapshot{
		Import: mkPoint(10, 0, prices.Import, 27.0, prices.Current),
	}
	doc, err := Transform(Input{Forecast: forecast, CurrentInterval: current, Timezone: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 0.27, doc.BuyRates["10:00"])
}

func TestTransform_SettledBeatsCurrentBeatsForecast(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(10, 0, prices.Import, 25.0, prices.Forecast),
		mkPoint(10, 0, prices.Import, 30.0, prices.Settled),
		mkPoint(10, 0, prices.Import, 27.0, prices.Current),
	}
	doc, err := Transform(Input{Forecast: forecast, Timezone: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 0.30, doc.BuyRates["10:00"])
}

func TestSpikeProtection_CapsAboveCeiling(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(10, 0, prices.Import, 150.0, prices.Forecast),
	}
	doc, err := Transform(Input{
		Forecast: forecast,
		Timezone: time.UTC,
		Modifiers: Modifiers{
			SpikeProtection: SpikeProtection{Enabled: true, CeilingCents: 100, ReplacementCents: 50},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.50, doc.BuyRates["10:00"])
}

func TestSpikeProtection_CeilingIsInclusive(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(10, 0, prices.Import, 100.0, prices.Forecast),
	}
	doc, err := Transform(Input{
		Forecast: forecast,
		Timezone: time.UTC,
		Modifiers: Modifiers{
			SpikeProtection: SpikeProtection{Enabled: true, CeilingCents: 100, ReplacementCents: 50},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.00, doc.BuyRates["10:00"], "price exactly at ceiling must be left unchanged")
}

func TestSpikeProtection_Idempotent(t *testing.T) {
	m := SpikeProtection{Enabled: true, CeilingCents: 100, ReplacementCents: 50}
	rates := map[string]float64{"10:00": 150.0}
	applySpikeProtection(rates, m)
	once := rates["10:00"]
	applySpikeProtection(rates, m)
	assert.Equal(t, once, rates["10:00"])
}

func TestExportBoost_WindowWrapsMidnight(t *testing.T) {
	window := TimeWindow{StartHour: 21, EndHour: 10}
	assert.True(t, window.Contains(22, 0))
	assert.True(t, window.Contains(3, 0))
	assert.False(t, window.Contains(15, 0))
}

func TestExportBoost_ShiftsAboveThreshold(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(22, 0, prices.Export, 10.0, prices.Forecast),
	}
	doc, err := Transform(Input{
		Forecast: forecast,
		Timezone: time.UTC,
		Modifiers: Modifiers{
			ExportBoost: ExportBoost{
				Enabled:        true,
				Window:         TimeWindow{StartHour: 21, EndHour: 10},
				ThresholdCents: 5,
				OffsetCents:    5,
				MinCents:       0,
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.15, doc.SellRates["22:00"])
}

func TestExportBoost_InverseRoundTrips(t *testing.T) {
	boost := ExportBoost{Enabled: true, Window: TimeWindow{StartHour: 0, EndHour: 0}, ThresholdCents: 5, OffsetCents: 5, MinCents: 0}
	rates := map[string]float64{"10:00": 10.0}
	original := rates["10:00"]
	applyExportBoost(rates, boost)
	applyExportBoost(rates, boost.Inverse())
	assert.InDelta(t, original, rates["10:00"], 1e-9)
}

func TestChipMode_ZeroesBelowThreshold(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(14, 0, prices.Export, 2.0, prices.Forecast),
	}
	doc, err := Transform(Input{
		Forecast: forecast,
		Timezone: time.UTC,
		Modifiers: Modifiers{
			ChipMode: ChipMode{Enabled: true, Window: TimeWindow{StartHour: 10, EndHour: 16}, ThresholdCents: 5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, doc.SellRates["14:00"])
}

func TestNetworkOverlay_BuyOnlyNeverChangesSell(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(10, 0, prices.Import, 25.0, prices.Forecast),
		mkPoint(10, 0, prices.Export, 8.0, prices.Forecast),
	}
	without, err := Transform(Input{Forecast: forecast, Timezone: time.UTC})
	require.NoError(t, err)

	with, err := Transform(Input{
		Forecast: forecast,
		Timezone: time.UTC,
		Modifiers: Modifiers{
			IsWholesaleSource: true,
			NetworkOverlay:    NetworkOverlay{Enabled: true, FeeCents: 5},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, without.SellRates, with.SellRates)
	assert.NotEqual(t, without.BuyRates["10:00"], with.BuyRates["10:00"])
}

func TestTransform_ModifierOrderIsDeterministic(t *testing.T) {
	forecast := []prices.PricePoint{
		mkPoint(22, 0, prices.Export, 10.0, prices.Forecast),
	}
	mods := Modifiers{
		ExportBoost: ExportBoost{Enabled: true, Window: TimeWindow{StartHour: 21, EndHour: 10}, ThresholdCents: 5, OffsetCents: 5},
		ChipMode:    ChipMode{Enabled: true, Window: TimeWindow{StartHour: 21, EndHour: 10}, ThresholdCents: 12},
	}
	doc1, err := Transform(Input{Forecast: forecast, Timezone: time.UTC, Modifiers: mods})
	require.NoError(t, err)
	doc2, err := Transform(Input{Forecast: forecast, Timezone: time.UTC, Modifiers: mods})
	require.NoError(t, err)
	assert.Equal(t, doc1.SellRates, doc2.SellRates)
	// boost runs before chip mode: 10 -> 15 (boosted), then chip mode threshold 12 leaves it untouched
	assert.Equal(t, 0.15, doc1.SellRates["22:00"])
}

func TestDocument_ValidateRejectsOutOfRange(t *testing.T) {
	doc := NewDocument(Header{})
	doc.BuyRates["00:00"] = 30.0 // $30/kWh -> 3000 cents, out of [-200,2500]
	err := doc.Validate()
	assert.Error(t, err)
}
