// Package forcemode implements the Force-Mode Manager of spec.md section
// 4.7: user-initiated charge/discharge overrides that snapshot the
// currently-running tariff and operation mode, push an extreme-rate
// override tariff, and auto-restore on a deadline. State survives a
// process restart via the statestore. It follows the snapshot/restore
// shape of spike.Manager, generalized to a user-triggered rather than
// price-triggered transition.
package forcemode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/clock"
	"github.com/pricesync/controller/notify"
	"github.com/pricesync/controller/statestore"
	"github.com/pricesync/controller/tariff"
)

// Mode is the direction of a force override.
type Mode string

const (
	Charge    Mode = "charge"
	Discharge Mode = "discharge"
)

// State is the persisted snapshot of an active force-mode override, per
// spec.md section 3's ForceModeState.
type State struct {
	Mode               Mode
	ExpiresAt          time.Time
	SavedTariff        tariff.Document
	SavedOperationMode batteryfacade.OperationMode
	SavedBackupReserve float64
}

// SyncNow triggers an out-of-band tariff re-sync, used instead of
// restoring a saved tariff for dynamic-price providers where the saved
// copy would be stale by the time the override ends.
type SyncNow func(ctx context.Context) error

// Config bundles the tunables for a Manager.
type Config struct {
	Facade            batteryfacade.Facade
	Store             *statestore.Store
	Notifier          notify.Notifier
	Dispatch          func(event string, payload interface{}) // hostbus event dispatch, optional
	DynamicPricing    bool                                     // if true, restore triggers SyncNow instead of re-uploading the saved tariff
	SyncNow           SyncNow

	// CurrentTariff, if set, returns the most recently synced tariff
	// document so it can be snapshotted before a force override, the same
	// way the Scheduler feeds spike.Manager. Without it, a force-mode
	// restore falls back to a blank placeholder document.
	CurrentTariff func() *tariff.Document
}

// Manager drives force-charge/force-discharge activation and restoration.
type Manager struct {
	facade         batteryfacade.Facade
	store          *statestore.Store
	notifier       notify.Notifier
	dispatch       func(event string, payload interface{})
	dynamicPricing bool
	syncNow        SyncNow
	currentTariff  func() *tariff.Document

	mu     sync.Mutex
	active *State
	timer  *clock.OneShot

	logger *slog.Logger
}

func New(cfg Config) *Manager {
	return &Manager{
		facade:         cfg.Facade,
		store:          cfg.Store,
		notifier:       cfg.Notifier,
		dispatch:       cfg.Dispatch,
		dynamicPricing: cfg.DynamicPricing,
		syncNow:        cfg.SyncNow,
		currentTariff:  cfg.CurrentTariff,
		logger:         slog.Default().With("component", "forcemode"),
	}
}

// Active reports the currently active override, if any. Used by the
// scheduler's ForceModeActive suppression hook.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// ForceCharge activates a charge override for the given duration.
func (m *Manager) ForceCharge(ctx context.Context, duration time.Duration) error {
	return m.activate(ctx, Charge, duration)
}

// ForceDischarge activates a discharge override for the given duration.
func (m *Manager) ForceDischarge(ctx context.Context, duration time.Duration) error {
	return m.activate(ctx, Discharge, duration)
}

// activate implements spec.md section 4.7's activation steps 1-6.
func (m *Manager) activate(ctx context.Context, mode Mode, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := State{}
	if m.active != nil {
		// Step 1: a different (or same) mode is already active - cancel its
		// timer and overwrite, without re-snapshotting underneath it.
		if m.timer != nil {
			m.timer.Cancel()
		}
		saved = *m.active
	} else {
		// Step 2: snapshot tariff, operation mode, backup reserve.
		info, err := m.facade.GetSiteInfo(ctx)
		if err != nil {
			m.logger.Error("force-mode activation: could not snapshot site info", "error", err)
			return err
		}
		saved.SavedOperationMode = info.OperationMode
		saved.SavedBackupReserve = info.BackupReserve
		saved.SavedTariff = m.baselineDocument(info)
	}

	saved.Mode = mode
	saved.ExpiresAt = clock.Now().Add(duration)

	// Step 3: backup reserve.
	reserve := 1.0
	if mode == Discharge {
		reserve = 0.0
	}
	if err := m.facade.SetBackupReserve(ctx, reserve); err != nil {
		m.logger.Error("force-mode: failed to set backup reserve", "error", err)
	}

	// Step 4: switch to autonomous so the override tariff actually drives behaviour.
	if err := m.facade.SetOperationMode(ctx, batteryfacade.ModeAutonomous); err != nil {
		m.logger.Error("force-mode: failed to switch to autonomous", "error", err)
	}

	// Step 5: upload the force tariff.
	doc := buildForceTariff(mode, saved.SavedTariff, duration)
	if err := m.facade.UploadTariff(ctx, doc); err != nil {
		m.logger.Error("force-mode: failed to upload override tariff", "error", err)
	}

	// Step 6: persist, schedule restore, dispatch event.
	if err := m.store.Put(statestore.KeyForceModeState, saved); err != nil {
		m.logger.Error("force-mode: failed to persist state", "error", err)
	}
	m.active = &saved
	m.timer = clock.NewOneShot(duration, func() {
		if err := m.RestoreNormal(context.Background()); err != nil {
			m.logger.Error("force-mode: auto-restore failed", "error", err)
		}
	})
	m.dispatchEvent(mode)

	return nil
}

// RestoreNormal implements spec.md section 4.7's deactivation steps 1-6,
// used both for expiry and an explicit user restore_normal command.
func (m *Manager) RestoreNormal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreLocked(ctx)
}

func (m *Manager) restoreLocked(ctx context.Context) error {
	if m.active == nil {
		return nil
	}
	saved := *m.active

	if m.timer != nil {
		m.timer.Cancel()
		m.timer = nil
	}

	// Step 2: halt the override effect immediately.
	if err := m.facade.SetSelfConsumptionMode(ctx); err != nil {
		m.logger.Warn("force-mode restore: failed to switch to self-consumption", "error", err)
	}

	// Step 3: restore the saved tariff, or trigger a fresh sync for dynamic pricing.
	if m.dynamicPricing && m.syncNow != nil {
		if err := m.syncNow(ctx); err != nil {
			m.logger.Error("force-mode restore: fresh sync failed", "error", err)
		}
	} else if err := m.facade.UploadTariff(ctx, saved.SavedTariff); err != nil {
		m.logger.Error("force-mode restore: failed to restore saved tariff", "error", err)
	}

	// Step 4: restore operation mode.
	if err := m.facade.SetOperationMode(ctx, saved.SavedOperationMode); err != nil {
		m.logger.Error("force-mode restore: failed to restore operation mode", "error", err)
		if m.notifier != nil {
			m.notifier.Notify(ctx, notify.Notification{
				Severity: notify.SeverityCritical,
				Title:    "Failed to restore battery operation mode",
				Body:     "Force mode ended but the battery's operation mode could not be restored. Manual intervention may be required.",
			})
		}
	}

	// Step 5: restore backup reserve, guarding against a discharge-restore grid import.
	if saved.Mode == Discharge {
		status, err := m.facade.GetLiveStatus(ctx)
		if err != nil || status.SoC < saved.SavedBackupReserve {
			m.logger.Warn("force-mode restore: SoC below saved reserve, leaving reserve at 0", "soc_error", err)
			if m.notifier != nil {
				m.notifier.Notify(ctx, notify.Notification{
					Severity: notify.SeverityWarning,
					Title:    "Backup reserve left at 0%",
					Body:     "State of charge is below the previously saved backup reserve; restoring it now would trigger a grid import.",
				})
			}
		} else if err := m.facade.SetBackupReserve(ctx, saved.SavedBackupReserve); err != nil {
			m.logger.Error("force-mode restore: failed to restore backup reserve", "error", err)
		}
	} else if err := m.facade.SetBackupReserve(ctx, saved.SavedBackupReserve); err != nil {
		m.logger.Error("force-mode restore: failed to restore backup reserve", "error", err)
	}

	// Step 6: clear persisted state.
	if err := m.store.Delete(statestore.KeyForceModeState); err != nil {
		m.logger.Error("force-mode restore: failed to clear persisted state", "error", err)
	}
	m.active = nil
	m.dispatchRestoreEvent(saved.Mode)

	return nil
}

// Restart reads any persisted ForceModeState on process start. If still
// within its deadline it re-arms the one-shot restore timer for the
// remaining duration; if expired, it clears the state and triggers a
// fresh sync, per spec.md section 4.7's restart survivability rule.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var saved State
	found, err := m.store.Get(statestore.KeyForceModeState, &saved)
	if err != nil || !found {
		return err
	}

	remaining := clock.Remaining(saved.ExpiresAt)
	if remaining <= 0 {
		m.active = &saved
		err := m.restoreLocked(ctx)
		// restoreLocked only syncs for dynamic pricing; an expired restart
		// always finishes with a fresh sync.
		if !m.dynamicPricing && m.syncNow != nil {
			if syncErr := m.syncNow(ctx); syncErr != nil {
				m.logger.Error("force-mode restart: fresh sync failed", "error", syncErr)
			}
		}
		return err
	}

	m.active = &saved
	m.timer = clock.NewOneShot(remaining, func() {
		if err := m.RestoreNormal(context.Background()); err != nil {
			m.logger.Error("force-mode: auto-restore failed", "error", err)
		}
	})
	return nil
}

func (m *Manager) dispatchEvent(mode Mode) {
	if m.dispatch == nil {
		return
	}
	event := "force_charge_state"
	if mode == Discharge {
		event = "force_discharge_state"
	}
	m.dispatch(event, map[string]interface{}{"active": true, "mode": string(mode)})
}

func (m *Manager) dispatchRestoreEvent(mode Mode) {
	if m.dispatch == nil {
		return
	}
	event := "force_charge_state"
	if mode == Discharge {
		event = "force_discharge_state"
	}
	m.dispatch(event, map[string]interface{}{"active": false, "mode": string(mode)})
}

// baselineDocument returns the tariff to restore to once the override ends:
// the scheduler's last-uploaded document when a CurrentTariff callback is
// wired, falling back to a blank placeholder (preserving only the operation
// mode/reserve snapshot) when it isn't.
func (m *Manager) baselineDocument(info batteryfacade.SiteInfo) tariff.Document {
	if m.currentTariff != nil {
		if doc := m.currentTariff(); doc != nil {
			return doc.Clone()
		}
	}
	return buildBaselineDocument(info)
}

func buildBaselineDocument(info batteryfacade.SiteInfo) tariff.Document {
	header := tariff.Header{Name: "saved-before-force-mode", Currency: "AUD", EffectiveSeasons: map[string]tariff.SeasonCoverage{"All Year": {FromMonth: 1, ToMonth: 12}}}
	return tariff.NewDocument(header)
}

// buildForceTariff overlays the extreme force-mode rate onto every period
// label covering [now, now+duration) and a disincentivizing inverse rate
// onto every other period, per spec.md section 4.7 step 5.
func buildForceTariff(mode Mode, saved tariff.Document, duration time.Duration) tariff.Document {
	doc := saved.Clone()
	if doc.Header.Name == "" {
		doc = tariff.NewDocument(tariff.Header{Name: "force-mode-override", Currency: "AUD"})
	}

	window := forceWindowLabels(clock.Now(), duration)

	for _, label := range tariff.PeriodLabels {
		inWindow := window[label]
		switch mode {
		case Discharge:
			if inWindow {
				doc.SellRates[label] = 20.0
			} else {
				doc.BuyRates[label] = 20.0
			}
		case Charge:
			if inWindow {
				doc.BuyRates[label] = 0.0
			} else {
				doc.SellRates[label] = 0.0
			}
		}
	}
	return doc
}

// forceWindowLabels returns the set of period labels whose half-hour slot
// overlaps [now, now+duration), starting from now's own slot and wrapping
// through PeriodLabels. Capped at NumPeriods so a duration spanning a full
// day or more covers every label exactly once rather than looping back
// over labels already marked.
func forceWindowLabels(now time.Time, duration time.Duration) map[string]bool {
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	startIdx := tariff.PeriodIndex(now.Hour(), now.Minute())
	periodStart := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), (now.Minute()/30)*30, 0, 0, now.Location())

	span := duration + now.Sub(periodStart)
	numPeriods := int(span / (30 * time.Minute))
	if span%(30*time.Minute) != 0 {
		numPeriods++
	}
	if numPeriods < 1 {
		numPeriods = 1
	}
	if numPeriods > tariff.NumPeriods {
		numPeriods = tariff.NumPeriods
	}

	labels := make(map[string]bool, numPeriods)
	for i := 0; i < numPeriods; i++ {
		idx := (startIdx + i) % tariff.NumPeriods
		labels[tariff.PeriodLabels[idx]] = true
	}
	return labels
}
