// Package spike implements the spike-response state machine described in
// spec.md section 4.6: a two-state FSM that watches wholesale price and
// transiently overrides the tariff with a maximum-export schedule during a spike.
package spike

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/clock"
	"github.com/pricesync/controller/notify"
	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/priceadapters"
	"github.com/pricesync/controller/tariff"
)

// State is the two-state FSM's current mode.
type State string

const (
	Normal  State = "normal"
	InSpike State = "in_spike"
)

// Snapshot captures what was running before a spike override, so it can
// be restored. Incomplete snapshots (facade read failed) are tagged so
// the manager can still proceed and later warn the user.
type Snapshot struct {
	Tariff        *tariff.Document
	OperationMode batteryfacade.OperationMode
	Complete      bool
}

// Config bundles the tunables for a Manager.
type Config struct {
	Region           string
	ThresholdCents   float64
	SpikeSellCents   float64 // applied for the next SpikePeriods half-hour slots
	SpikeBuyCents    float64
	SpikePeriods     int
	PollInterval     time.Duration
	RestoreWaitAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = time.Minute
	}
	if c.RestoreWaitAfter == 0 {
		c.RestoreWaitAfter = 5 * time.Second
	}
	if c.SpikePeriods == 0 {
		c.SpikePeriods = 4 // 2 hours of half-hour periods
	}
	return c
}

// Manager drives the spike FSM.
type Manager struct {
	wholesale priceadapters.Adapter
	facade    batteryfacade.Facade
	notifier  notify.Notifier
	cfg       Config

	// currentTariff, if set, returns the most recently synced tariff
	// document so it can be snapshotted on spike entry. The facade itself
	// has no general tariff read-back, so the scheduler supplies this.
	currentTariff func() *tariff.Document

	mu               sync.Mutex
	state            State
	spikeStartedAt   time.Time
	lastObservedCents float64
	snapshot         *Snapshot

	logger *slog.Logger
}

func New(wholesale priceadapters.Adapter, facade batteryfacade.Facade, notifier notify.Notifier, cfg Config, currentTariff func() *tariff.Document) *Manager {
	return &Manager{
		wholesale:     wholesale,
		facade:        facade,
		notifier:      notifier,
		cfg:           cfg.withDefaults(),
		state:         Normal,
		currentTariff: currentTariff,
		logger:        slog.Default().With("component", "spike"),
	}
}

// State reports the current FSM state. Used by the scheduler's
// suppression rule (spike-mode active blocks sync uploads).
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run polls the wholesale adapter every PollInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	snap, err := m.wholesale.Current(ctx)
	if err != nil {
		m.logger.Warn("wholesale poll failed", "error", err)
		return
	}
	observed := snap.Import.PerKWhCents

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastObservedCents = observed

	switch m.state {
	case Normal:
		if observed >= m.cfg.ThresholdCents {
			m.enterSpike(ctx, observed)
		}
	case InSpike:
		if observed < m.cfg.ThresholdCents {
			m.exitSpike(ctx)
		}
	}
}

// enterSpike runs the normal -> in_spike transition. Caller holds m.mu.
func (m *Manager) enterSpike(ctx context.Context, observedCents float64) {
	snapshot := m.captureSnapshot(ctx)

	if err := m.facade.SetOperationMode(ctx, batteryfacade.ModeAutonomous); err != nil {
		m.logger.Error("failed to switch to autonomous for spike", "error", err)
	}

	var baseline *tariff.Document
	if snapshot.Tariff != nil {
		baseline = snapshot.Tariff
	}
	doc := buildSpikeTariff(observedCents, m.cfg, baseline)
	if err := m.facade.UploadTariff(ctx, doc); err != nil {
		m.logger.Error("failed to upload spike tariff", "error", err)
	}

	m.state = InSpike
	m.spikeStartedAt = clock.Now()
	m.snapshot = &snapshot

	if !snapshot.Complete && m.notifier != nil {
		m.notifier.Notify(ctx, notify.Notification{
			Severity: notify.SeverityWarning,
			Title:    "Spike protection active with incomplete snapshot",
			Body:     "Could not read the current tariff before entering spike mode; you may need to re-configure your tariff manually after the spike passes.",
		})
	}
}

// exitSpike runs the in_spike -> normal transition. Caller holds m.mu.
func (m *Manager) exitSpike(ctx context.Context) {
	if err := m.facade.SetOperationMode(ctx, batteryfacade.ModeSelfConsumption); err != nil {
		m.logger.Warn("failed to switch to self-consumption before spike restore", "error", err)
	}

	if m.snapshot != nil && m.snapshot.Tariff != nil {
		if err := m.facade.UploadTariff(ctx, *m.snapshot.Tariff); err != nil {
			m.logger.Error("failed to restore saved tariff after spike", "error", err)
		}
	}

	time.Sleep(m.cfg.RestoreWaitAfter)

	if m.snapshot != nil {
		if err := m.facade.SetOperationMode(ctx, m.snapshot.OperationMode); err != nil {
			m.logger.Error("failed to restore operation mode after spike", "error", err)
		}
	}

	m.state = Normal
	m.snapshot = nil
	m.spikeStartedAt = time.Time{}
}

func (m *Manager) captureSnapshot(ctx context.Context) Snapshot {
	info, err := m.facade.GetSiteInfo(ctx)
	if err != nil {
		m.logger.Warn("incomplete spike snapshot: could not read site info", "error", err)
		return Snapshot{Complete: false}
	}
	var doc *tariff.Document
	if m.currentTariff != nil {
		doc = m.currentTariff()
	}
	return Snapshot{
		Tariff:        doc,
		OperationMode: info.OperationMode,
		Complete:      true,
	}
}

// buildSpikeTariff builds the spike-override document: a uniform
// discouraging buy rate across every period (spec.md section 4.6 step 3 -
// the whole day should disincentivize import while the spike plays out,
// not just the spiked window), a uniform very-high sell rate for the next
// SpikePeriods half-hour slots starting now, and normal rates everywhere
// else. "Normal rates elsewhere" means the pre-spike tariff: baseline is
// the snapshotted document captured before the override, or a zero-valued
// document if no snapshot was available (captureSnapshot's incomplete path).
func buildSpikeTariff(observedWholesaleCents float64, cfg Config, baseline *tariff.Document) tariff.Document {
	header := tariff.Header{Name: "spike-override", Currency: "AUD", EffectiveSeasons: map[string]tariff.SeasonCoverage{"All Year": {FromMonth: 1, ToMonth: 12}}}

	var doc tariff.Document
	if baseline != nil {
		doc = baseline.Clone()
		doc.Header = header
	} else {
		doc = tariff.NewDocument(header)
	}

	sellCents := cfg.SpikeSellCents
	if sellCents == 0 {
		sellCents = observedWholesaleCents * 3
	}
	buyCents := cfg.SpikeBuyCents

	for _, label := range tariff.PeriodLabels {
		doc.BuyRates[label] = buyCents / 100
	}

	now := clock.Now()
	currentPeriod := tariff.PeriodIndex(now.Hour(), now.Minute())
	for i := 0; i < cfg.SpikePeriods; i++ {
		idx := (currentPeriod + i) % tariff.NumPeriods
		label := tariff.PeriodLabels[idx]
		doc.SellRates[label] = sellCents / 100
	}
	return doc
}
