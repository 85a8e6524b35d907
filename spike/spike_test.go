package spike

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/notify"
	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/tariff"
)

type fakeWholesale struct {
	cents float64
}

func (f *fakeWholesale) Current(ctx context.Context) (prices.PriceSnapshot, error) {
	point := prices.PricePoint{PerKWhCents: f.cents, Kind: prices.Current}
	return prices.PriceSnapshot{Import: point, Export: point}, nil
}

func (f *fakeWholesale) Forecast(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	return nil, nil
}

type fakeFacade struct {
	mode         batteryfacade.OperationMode
	uploads      []tariff.Document
	failSiteInfo bool
}

func (f *fakeFacade) UploadTariff(ctx context.Context, doc tariff.Document) error {
	f.uploads = append(f.uploads, doc)
	return nil
}
func (f *fakeFacade) GetSiteInfo(ctx context.Context) (batteryfacade.SiteInfo, error) {
	if f.failSiteInfo {
		return batteryfacade.SiteInfo{}, assert.AnError
	}
	return batteryfacade.SiteInfo{OperationMode: f.mode}, nil
}
func (f *fakeFacade) SetOperationMode(ctx context.Context, mode batteryfacade.OperationMode) error {
	f.mode = mode
	return nil
}
func (f *fakeFacade) SetSelfConsumptionMode(ctx context.Context) error {
	f.mode = batteryfacade.ModeSelfConsumption
	return nil
}
func (f *fakeFacade) SetBackupReserve(ctx context.Context, reserve float64) error { return nil }
func (f *fakeFacade) SetExportRule(ctx context.Context, rule batteryfacade.ExportRule) (batteryfacade.SetExportRuleResult, error) {
	return batteryfacade.SetExportRuleResult{Verified: true, Applied: rule}, nil
}
func (f *fakeFacade) GetLiveStatus(ctx context.Context) (batteryfacade.LiveStatus, error) {
	return batteryfacade.LiveStatus{}, nil
}

func newTestManager(facade *fakeFacade, wholesale *fakeWholesale, currentTariff func() *tariff.Document) *Manager {
	return New(wholesale, facade, notify.NewLogNotifier(), Config{
		ThresholdCents: 50,
		SpikeSellCents: 100,
		SpikeBuyCents:  10,
		SpikePeriods:   2,
	}, currentTariff)
}

func TestManager_Poll_EntersSpikeAboveThreshold(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption}
	wholesale := &fakeWholesale{cents: 60}
	saved := tariff.NewDocument(tariff.Header{Name: "normal"})
	saved.SellRates[tariff.PeriodLabels[0]] = 0.30
	m := newTestManager(facade, wholesale, func() *tariff.Document { return &saved })

	m.poll(context.Background())

	assert.Equal(t, InSpike, m.State())
	assert.Equal(t, batteryfacade.ModeAutonomous, facade.mode)
	require.Len(t, facade.uploads, 1)
	uploaded := facade.uploads[0]
	assert.NotEqual(t, "normal", uploaded.Header.Name)

	for _, label := range tariff.PeriodLabels {
		assert.Equal(t, m.cfg.SpikeBuyCents/100, uploaded.BuyRates[label], "buy rate should be uniform across all periods")
	}

	untouchedLabel := tariff.PeriodLabels[len(tariff.PeriodLabels)-1]
	assert.Equal(t, saved.SellRates[untouchedLabel], uploaded.SellRates[untouchedLabel], "sell rate outside the spike window should carry the pre-spike baseline")
}

func TestManager_Poll_StaysNormalBelowThreshold(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption}
	wholesale := &fakeWholesale{cents: 10}
	m := newTestManager(facade, wholesale, func() *tariff.Document { return nil })

	m.poll(context.Background())

	assert.Equal(t, Normal, m.State())
	assert.Empty(t, facade.uploads)
}

func TestManager_Poll_ExitRestoresSnapshotTariffAndMode(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption}
	wholesale := &fakeWholesale{cents: 60}
	saved := tariff.NewDocument(tariff.Header{Name: "normal"})
	m := newTestManager(facade, wholesale, func() *tariff.Document { return &saved })
	m.cfg.RestoreWaitAfter = time.Millisecond

	m.poll(context.Background()) // enters spike
	require.Equal(t, InSpike, m.State())

	wholesale.cents = 10
	m.poll(context.Background()) // exits spike

	assert.Equal(t, Normal, m.State())
	require.Len(t, facade.uploads, 2)
	assert.Equal(t, "normal", facade.uploads[1].Header.Name)
	assert.Equal(t, batteryfacade.ModeSelfConsumption, facade.mode)
}

func TestManager_Poll_IncompleteSnapshotStillEntersSpike(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption, failSiteInfo: true}
	wholesale := &fakeWholesale{cents: 60}
	m := newTestManager(facade, wholesale, nil)

	m.poll(context.Background())

	assert.Equal(t, InSpike, m.State())
	assert.False(t, m.snapshot.Complete)
}
