package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/tariff"
)

type fakeAdapter struct {
	current  prices.PriceSnapshot
	forecast []prices.PricePoint
}

func (f *fakeAdapter) Current(ctx context.Context) (prices.PriceSnapshot, error) { return f.current, nil }
func (f *fakeAdapter) Forecast(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	return f.forecast, nil
}

type fakeFacade struct {
	uploads []tariff.Document
}

func (f *fakeFacade) UploadTariff(ctx context.Context, doc tariff.Document) error {
	f.uploads = append(f.uploads, doc)
	return nil
}
func (f *fakeFacade) GetSiteInfo(ctx context.Context) (batteryfacade.SiteInfo, error) {
	return batteryfacade.SiteInfo{}, nil
}
func (f *fakeFacade) SetOperationMode(ctx context.Context, mode batteryfacade.OperationMode) error {
	return nil
}
func (f *fakeFacade) SetSelfConsumptionMode(ctx context.Context) error { return nil }
func (f *fakeFacade) SetBackupReserve(ctx context.Context, reserve float64) error { return nil }
func (f *fakeFacade) SetExportRule(ctx context.Context, rule batteryfacade.ExportRule) (batteryfacade.SetExportRuleResult, error) {
	return batteryfacade.SetExportRuleResult{Verified: true, Applied: rule}, nil
}
func (f *fakeFacade) GetLiveStatus(ctx context.Context) (batteryfacade.LiveStatus, error) {
	return batteryfacade.LiveStatus{}, nil
}

func forecastPoints(importCents, exportCents float64) []prices.PricePoint {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	var pts []prices.PricePoint
	for h := 0; h < 24; h++ {
		start := now.Add(time.Duration(h) * time.Hour)
		pts = append(pts,
			prices.PricePoint{Start: start, End: start.Add(time.Hour), Channel: prices.Import, PerKWhCents: importCents, Kind: prices.Forecast},
			prices.PricePoint{Start: start, End: start.Add(time.Hour), Channel: prices.Export, PerKWhCents: exportCents, Kind: prices.Forecast},
		)
	}
	return pts
}

func newTestScheduler(adapter *fakeAdapter, facade *fakeFacade, suppression Suppression) *Scheduler {
	return New(Config{
		ForecastAdapter: adapter,
		Facade:          facade,
		Header:          tariff.Header{Name: "test"},
		Timezone:        time.UTC,
		Suppression:     suppression,
	})
}

func TestScheduler_Stage1UploadsOnce(t *testing.T) {
	adapter := &fakeAdapter{forecast: forecastPoints(20, 5)}
	facade := &fakeFacade{}
	s := newTestScheduler(adapter, facade, Suppression{})

	require.NoError(t, s.doStage1(context.Background()))
	assert.Len(t, facade.uploads, 1)

	// second call is a no-op: stage1Done is already set
	require.NoError(t, s.doStage1(context.Background()))
	assert.Len(t, facade.uploads, 1)
}

func TestScheduler_Stage2SkipsWhenPriceUnchanged(t *testing.T) {
	adapter := &fakeAdapter{forecast: forecastPoints(20, 5)}
	facade := &fakeFacade{}
	s := newTestScheduler(adapter, facade, Suppression{})

	snap := prices.PriceSnapshot{
		Import: prices.PricePoint{PerKWhCents: 20, Channel: prices.Import},
		Export: prices.PricePoint{PerKWhCents: 5, Channel: prices.Export},
	}
	s.state.lastSyncedPrices = &snap

	require.NoError(t, s.doStage2(context.Background(), snap))
	assert.Len(t, facade.uploads, 0, "unchanged price must not trigger an upload")
}

func TestScheduler_Stage2UploadsWhenPriceChanges(t *testing.T) {
	adapter := &fakeAdapter{forecast: forecastPoints(20, 5)}
	facade := &fakeFacade{}
	s := newTestScheduler(adapter, facade, Suppression{})

	old := prices.PriceSnapshot{Import: prices.PricePoint{PerKWhCents: 20}, Export: prices.PricePoint{PerKWhCents: 5}}
	s.state.lastSyncedPrices = &old

	newer := prices.PriceSnapshot{Import: prices.PricePoint{PerKWhCents: 45}, Export: prices.PricePoint{PerKWhCents: 5}}
	require.NoError(t, s.doStage2(context.Background(), newer))
	assert.Len(t, facade.uploads, 1)
}

func TestScheduler_SuppressedWhenForceModeActive(t *testing.T) {
	adapter := &fakeAdapter{forecast: forecastPoints(20, 5)}
	facade := &fakeFacade{}
	s := newTestScheduler(adapter, facade, Suppression{ForceModeActive: func() bool { return true }})

	s.runStage(context.Background(), 1, s.doStage1)
	assert.Len(t, facade.uploads, 0)
}

func TestScheduler_SuppressedWhenSettledOnlyForStage1And2(t *testing.T) {
	adapter := &fakeAdapter{forecast: forecastPoints(20, 5)}
	facade := &fakeFacade{}
	s := newTestScheduler(adapter, facade, Suppression{SettledPricesOnly: true})

	s.runStage(context.Background(), 1, s.doStage1)
	assert.Len(t, facade.uploads, 0)

	// stage 3/4 are not suppressed by settled-only mode
	require.NoError(t, s.doStage4(context.Background()))
	assert.Len(t, facade.uploads, 1)
}

func TestScheduler_SyncNowBypassesStageState(t *testing.T) {
	adapter := &fakeAdapter{forecast: forecastPoints(20, 5)}
	facade := &fakeFacade{}
	s := newTestScheduler(adapter, facade, Suppression{})
	s.state.stage1Done = true

	require.NoError(t, s.SyncNow(context.Background()))
	assert.Len(t, facade.uploads, 1)
}
