package curtailment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/statestore"
	"github.com/pricesync/controller/tariff"
)

type fakeFacade struct {
	rule      batteryfacade.ExportRule
	setRules  []batteryfacade.ExportRule
}

func (f *fakeFacade) UploadTariff(ctx context.Context, doc tariff.Document) error { return nil }
func (f *fakeFacade) GetSiteInfo(ctx context.Context) (batteryfacade.SiteInfo, error) {
	return batteryfacade.SiteInfo{}, nil
}
func (f *fakeFacade) SetOperationMode(ctx context.Context, mode batteryfacade.OperationMode) error {
	return nil
}
func (f *fakeFacade) SetSelfConsumptionMode(ctx context.Context) error { return nil }
func (f *fakeFacade) SetBackupReserve(ctx context.Context, reserve float64) error { return nil }
func (f *fakeFacade) SetExportRule(ctx context.Context, rule batteryfacade.ExportRule) (batteryfacade.SetExportRuleResult, error) {
	f.rule = rule
	f.setRules = append(f.setRules, rule)
	return batteryfacade.SetExportRuleResult{Verified: true, Applied: rule}, nil
}
func (f *fakeFacade) GetLiveStatus(ctx context.Context) (batteryfacade.LiveStatus, error) {
	return batteryfacade.LiveStatus{}, nil
}

type fakeInverter struct {
	shutdownCalls int
	limitCalls    []float64
	restoreCalls  int
}

func (f *fakeInverter) SetPowerLimit(ctx context.Context, watts float64) error {
	f.limitCalls = append(f.limitCalls, watts)
	return nil
}
func (f *fakeInverter) Shutdown(ctx context.Context) error { f.shutdownCalls++; return nil }
func (f *fakeInverter) Restore(ctx context.Context) error  { f.restoreCalls++; return nil }

func newTestController(t *testing.T, inv InverterController) (*Controller, *fakeFacade) {
	t.Helper()
	store, err := statestore.New(":memory:")
	require.NoError(t, err)
	facade := &fakeFacade{rule: batteryfacade.ExportRuleBatteryOK}
	c := New(Config{Facade: facade, Inverter: inv, Store: store})
	return c, facade
}

func TestDCCoupledShouldCurtail_FullAndExporting(t *testing.T) {
	live := batteryfacade.LiveStatus{SoC: 1.0, GridPowerW: -2500}
	assert.True(t, dcCoupledShouldCurtail(live, 5.0))
}

func TestDCCoupledShouldCurtail_ChargingNotCurtailed(t *testing.T) {
	live := batteryfacade.LiveStatus{SoC: 0.7, GridPowerW: -500, BatteryPowerW: -3000}
	assert.False(t, dcCoupledShouldCurtail(live, -2.0))
}

func TestDCCoupledShouldCurtail_NotChargingNegativeEarnings(t *testing.T) {
	live := batteryfacade.LiveStatus{SoC: 0.5, GridPowerW: -100, BatteryPowerW: 0}
	assert.True(t, dcCoupledShouldCurtail(live, -1.0))
}

func TestEvaluateNow_CurtailsBatteryExportRuleWhenFullAndExporting(t *testing.T) {
	inv := &fakeInverter{}
	c, facade := newTestController(t, inv)

	c.EvaluateNow(context.Background(), Evaluate{
		ExportPriceCents: -5.0,
		ImportPriceCents: 20.0,
		Live:             batteryfacade.LiveStatus{SoC: 1.0, GridPowerW: -2500, BatteryPowerW: 0, LoadPowerW: 500},
	})

	assert.Equal(t, batteryfacade.ExportRuleNeverExport, facade.rule)
	assert.Equal(t, 1, inv.shutdownCalls, "battery full and exporting must also shut down the inverter")
}

func TestEvaluateNow_LoadFollowingWhileChargingWithHeadroom(t *testing.T) {
	inv := &fakeInverter{}
	c, facade := newTestController(t, inv)

	c.EvaluateNow(context.Background(), Evaluate{
		ExportPriceCents: -2.0,
		ImportPriceCents: 25.0,
		Live:             batteryfacade.LiveStatus{SoC: 0.7, GridPowerW: -500, BatteryPowerW: -3000, LoadPowerW: 1000},
	})

	assert.Equal(t, batteryfacade.ExportRuleBatteryOK, facade.rule, "charging with headroom must not curtail the battery rule")
	assert.Equal(t, 0, inv.shutdownCalls)
}

func TestEvaluateNow_NegativeImportPriceAlwaysCurtailsInverter(t *testing.T) {
	inv := &fakeInverter{}
	c, _ := newTestController(t, inv)

	c.EvaluateNow(context.Background(), Evaluate{
		ExportPriceCents: 3.0,
		ImportPriceCents: -1.0,
		Live:             batteryfacade.LiveStatus{SoC: 0.5, GridPowerW: 100, BatteryPowerW: 0, LoadPowerW: 800},
	})

	assert.True(t, c.inverterState.Curtailed)
}
