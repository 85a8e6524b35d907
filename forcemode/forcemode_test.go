package forcemode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/statestore"
	"github.com/pricesync/controller/tariff"
)

type fakeFacade struct {
	mode      batteryfacade.OperationMode
	reserve   float64
	uploads   []tariff.Document
	liveSoC   float64
}

func (f *fakeFacade) UploadTariff(ctx context.Context, doc tariff.Document) error {
	f.uploads = append(f.uploads, doc)
	return nil
}
func (f *fakeFacade) GetSiteInfo(ctx context.Context) (batteryfacade.SiteInfo, error) {
	return batteryfacade.SiteInfo{OperationMode: f.mode, BackupReserve: f.reserve}, nil
}
func (f *fakeFacade) SetOperationMode(ctx context.Context, mode batteryfacade.OperationMode) error {
	f.mode = mode
	return nil
}
func (f *fakeFacade) SetSelfConsumptionMode(ctx context.Context) error {
	f.mode = batteryfacade.ModeSelfConsumption
	return nil
}
func (f *fakeFacade) SetBackupReserve(ctx context.Context, reserve float64) error {
	f.reserve = reserve
	return nil
}
func (f *fakeFacade) SetExportRule(ctx context.Context, rule batteryfacade.ExportRule) (batteryfacade.SetExportRuleResult, error) {
	return batteryfacade.SetExportRuleResult{Verified: true, Applied: rule}, nil
}
func (f *fakeFacade) GetLiveStatus(ctx context.Context) (batteryfacade.LiveStatus, error) {
	return batteryfacade.LiveStatus{SoC: f.liveSoC}, nil
}

func newTestManager(t *testing.T, facade *fakeFacade) *Manager {
	t.Helper()
	store, err := statestore.New(":memory:")
	require.NoError(t, err)
	return New(Config{Facade: facade, Store: store})
}

func TestManager_ForceDischarge_SnapshotsAndOverridesReserve(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption, reserve: 0.2, liveSoC: 0.5}
	m := newTestManager(t, facade)

	require.NoError(t, m.ForceDischarge(context.Background(), 30*time.Minute))

	assert.True(t, m.Active())
	assert.Equal(t, 0.0, facade.reserve)
	assert.Equal(t, batteryfacade.ModeAutonomous, facade.mode)
	assert.Len(t, facade.uploads, 1)
}

func TestManager_ActivateTwice_DoesNotResnapshot(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption, reserve: 0.2}
	m := newTestManager(t, facade)

	require.NoError(t, m.ForceDischarge(context.Background(), time.Hour))
	firstSavedMode := m.active.SavedOperationMode

	facade.mode = batteryfacade.ModeAutonomous // simulate drift while active
	require.NoError(t, m.ForceCharge(context.Background(), time.Hour))

	assert.Equal(t, firstSavedMode, m.active.SavedOperationMode, "re-activation must not re-snapshot")
}

func TestManager_RestoreNormal_ClearsStateAndReserve(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption, reserve: 0.2, liveSoC: 0.5}
	m := newTestManager(t, facade)

	require.NoError(t, m.ForceDischarge(context.Background(), time.Hour))
	require.NoError(t, m.RestoreNormal(context.Background()))

	assert.False(t, m.Active())
	assert.Equal(t, 0.2, facade.reserve)

	var saved State
	found, err := m.store.Get(statestore.KeyForceModeState, &saved)
	require.NoError(t, err)
	assert.False(t, found, "restore_normal must clear persisted force-mode state")
}

func TestManager_RestoreDischarge_LowSoCLeavesReserveAtZero(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption, reserve: 0.5, liveSoC: 0.1}
	m := newTestManager(t, facade)

	require.NoError(t, m.ForceDischarge(context.Background(), time.Hour))
	require.NoError(t, m.RestoreNormal(context.Background()))

	assert.Equal(t, 0.0, facade.reserve, "SoC below saved reserve must leave reserve at 0")
}

func TestManager_ForceDischarge_SnapshotsCurrentTariffWhenWired(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption, reserve: 0.2}
	store, err := statestore.New(":memory:")
	require.NoError(t, err)

	running := tariff.NewDocument(tariff.Header{Name: "running"})
	m := New(Config{Facade: facade, Store: store, CurrentTariff: func() *tariff.Document { return &running }})

	require.NoError(t, m.ForceDischarge(context.Background(), time.Hour))
	require.NoError(t, m.RestoreNormal(context.Background()))

	require.Len(t, facade.uploads, 2)
	assert.Equal(t, "running", facade.uploads[1].Header.Name, "restore should upload the wired current tariff, not a blank placeholder")
}

func TestManager_ForceTariff_CoversFullRequestedDuration(t *testing.T) {
	facade := &fakeFacade{mode: batteryfacade.ModeSelfConsumption, reserve: 0.2}
	m := newTestManager(t, facade)

	require.NoError(t, m.ForceDischarge(context.Background(), 3*time.Hour))

	require.Len(t, facade.uploads, 1)
	doc := facade.uploads[0]
	forceRateCount := 0
	for _, label := range tariff.PeriodLabels {
		if doc.SellRates[label] == 20.0 {
			forceRateCount++
		}
	}
	assert.GreaterOrEqual(t, forceRateCount, 6, "a 3 hour discharge window should cover at least 6 half-hour periods")
}
