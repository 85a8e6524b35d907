// Package curtailment implements the Curtailment Controller of spec.md
// section 4.8: a periodic evaluator of live plant telemetry and export
// price that commands the battery's export rule and, independently, an
// AC-coupled inverter's power limit. The battery-rule decision tree
// mirrors the priority-ordered status pattern of the teacher's
// controller.control_component (status enum + "what should this
// component be doing right now" evaluation), generalized from BESS
// direct-dispatch to the two curtailment predicates this spec names.
package curtailment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/clock"
	"github.com/pricesync/controller/statestore"
)

// InverterController is the external-collaborator surface the AC-coupled
// curtailment predicate drives; implemented concretely by package inverter.
type InverterController interface {
	SetPowerLimit(ctx context.Context, watts float64) error
	Shutdown(ctx context.Context) error
	Restore(ctx context.Context) error
}

// ManualOverride records a user-set export rule that suppresses the
// controller's auto-restore and becomes the "normal" rule in its place.
type ManualOverride struct {
	Active bool
	Rule   batteryfacade.ExportRule
}

// Config bundles the tunables and collaborators for a Controller.
type Config struct {
	Facade   batteryfacade.Facade
	Inverter InverterController
	Store    *statestore.Store

	RestoreSoC        float64       // spec.md 4.8: below this, don't curtail the inverter (prioritize topping up)
	ChargeHeadroomSoC float64       // spec.md 4.8: below this while charging, a small negative-earning export is acceptable
	PowerLimitRecheck time.Duration // load-following recompute cadence (30s)
	ReassertEvery     time.Duration // unconditional reassert cadence some brands require (45s)
	PowerLimitHysteresisW float64   // only reissue if the limit differs from last-issued by more than this

	Latitude, Longitude float64       // site coordinates, for the daylight check below
	SolarMargin         time.Duration // widens the night window either side of sunrise/sunset

	// OnUpdate, if non-nil, is called after every export-rule or inverter
	// state change, to fire the hostbus "curtailment_updated" event (spec.md section 6).
	OnUpdate func(exportRule batteryfacade.ExportRule, inverterCurtailed bool, limitW float64)
}

func (c Config) withDefaults() Config {
	if c.RestoreSoC == 0 {
		c.RestoreSoC = 0.2
	}
	if c.ChargeHeadroomSoC == 0 {
		c.ChargeHeadroomSoC = 0.9
	}
	if c.PowerLimitRecheck == 0 {
		c.PowerLimitRecheck = 30 * time.Second
	}
	if c.ReassertEvery == 0 {
		c.ReassertEvery = 45 * time.Second
	}
	if c.PowerLimitHysteresisW == 0 {
		c.PowerLimitHysteresisW = 50
	}
	if c.SolarMargin == 0 {
		c.SolarMargin = 20 * time.Minute
	}
	return c
}

// isDaylight reports whether t falls between sunrise and sunset at the
// configured site coordinates, widened by SolarMargin either side. A site
// with no coordinates configured is treated as always daylight. The result
// only annotates a debug log in EvaluateNow; no curtailment decision uses it.
func (c Config) isDaylight(t time.Time) bool {
	if c.Latitude == 0 && c.Longitude == 0 {
		return true
	}
	times := suncalc.GetTimes(t, c.Latitude, c.Longitude)
	sunrise, ok := times["sunrise"]
	if !ok {
		return true
	}
	sunset, ok := times["sunset"]
	if !ok {
		return true
	}
	return t.After(sunrise.Value.Add(-c.SolarMargin)) && t.Before(sunset.Value.Add(c.SolarMargin))
}

// Controller drives both curtailment predicates on a shared evaluation loop.
type Controller struct {
	facade   batteryfacade.Facade
	inverter InverterController
	store    *statestore.Store
	cfg      Config

	mu                 sync.Mutex
	cachedExportRule   batteryfacade.ExportRule
	manualOverride     ManualOverride
	inverterState      invState
	lastIssuedLimit    float64
	lastIssuedAt       time.Time

	logger *slog.Logger
}

type invState struct {
	Curtailed bool
	LimitW    float64
}

func New(cfg Config) *Controller {
	c := &Controller{
		facade:   cfg.Facade,
		inverter: cfg.Inverter,
		store:    cfg.Store,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "curtailment"),
	}
	c.loadPersisted()
	return c
}

func (c *Controller) loadPersisted() {
	var rule string
	if found, err := c.store.Get(statestore.KeyCachedExportRule, &rule); err == nil && found {
		c.cachedExportRule = batteryfacade.ExportRule(rule)
	}
	var override ManualOverride
	if found, err := c.store.Get(statestore.KeyManualExportOverride, &override); err == nil && found {
		c.manualOverride = override
	}
	var last string
	if found, err := c.store.Get(statestore.KeyInverterLastState, &last); err == nil && found && last == string(StateCurtailedKey) {
		c.inverterState.Curtailed = true
	}
}

const StateCurtailedKey = "curtailed"
const StateNormalKey = "normal"

// SetManualOverride records a user-chosen export rule as the new "normal"
// rule, per spec.md section 4.8's manual-override semantics.
func (c *Controller) SetManualOverride(rule batteryfacade.ExportRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualOverride = ManualOverride{Active: true, Rule: rule}
	return c.store.Put(statestore.KeyManualExportOverride, c.manualOverride)
}

// ClearManualOverride returns control of the export rule to the automatic decision tree.
func (c *Controller) ClearManualOverride() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualOverride = ManualOverride{}
	return c.store.Delete(statestore.KeyManualExportOverride)
}

// Evaluate bundles the live inputs needed for one decision-tree pass.
type Evaluate struct {
	ExportPriceCents float64 // positive = consumer earns, per spec.md section 4.8
	ImportPriceCents float64
	Live             batteryfacade.LiveStatus
}

// Inputs supplies a fresh Evaluate snapshot on demand, used by Run's
// periodic 5-minute tick.
type Inputs func(ctx context.Context) (Evaluate, error)

// Run evaluates the controller every 5 minutes, counted from the moment Run
// is called; the ticks are not aligned to wall-clock interval boundaries.
// Streamed price updates reach the controller separately, through the
// caller invoking EvaluateNow directly.
func (c *Controller) Run(ctx context.Context, inputs Inputs) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	powerTicker := time.NewTicker(c.cfg.PowerLimitRecheck)
	defer powerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in, err := inputs(ctx)
			if err != nil {
				c.logger.Warn("curtailment evaluation skipped: could not read inputs", "error", err)
				continue
			}
			c.EvaluateNow(ctx, in)
		case <-powerTicker.C:
			c.reassertPowerLimit(ctx)
		}
	}
}

// EvaluateNow runs one pass of both curtailment predicates against the
// given inputs. Exposed directly so the price-stream subscription can
// drive it without waiting on the timer.
func (c *Controller) EvaluateNow(ctx context.Context, in Evaluate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.isDaylight(clock.Now()) {
		c.logger.Debug("evaluating curtailment outside daylight hours", "export_price_cents", in.ExportPriceCents)
	}
	c.evaluateExportRule(ctx, in)
	c.evaluateInverter(ctx, in)
}

func (c *Controller) reassertPowerLimit(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inverterState.Curtailed {
		return
	}
	since := time.Since(c.lastIssuedAt)
	if since < c.cfg.ReassertEvery && absFloat(c.inverterState.LimitW-c.lastIssuedLimit) <= c.cfg.PowerLimitHysteresisW {
		return
	}
	if c.inverter == nil {
		return
	}
	if err := c.inverter.SetPowerLimit(ctx, c.inverterState.LimitW); err != nil {
		c.logger.Error("failed to reassert inverter power limit", "error", err)
		return
	}
	c.lastIssuedLimit = c.inverterState.LimitW
	c.lastIssuedAt = time.Now()
}

// evaluateExportRule implements spec.md section 4.8's battery export-rule
// decision tree. Caller holds c.mu.
func (c *Controller) evaluateExportRule(ctx context.Context, in Evaluate) {
	shouldCurtail := dcCoupledShouldCurtail(in.Live, in.ExportPriceCents)

	normalRule := batteryfacade.ExportRuleBatteryOK
	if c.manualOverride.Active {
		normalRule = c.manualOverride.Rule
	}

	var target batteryfacade.ExportRule
	switch {
	case shouldCurtail && c.cachedExportRule != batteryfacade.ExportRuleNeverExport:
		target = batteryfacade.ExportRuleNeverExport
	case !shouldCurtail && in.ExportPriceCents >= 1.0 && c.cachedExportRule == batteryfacade.ExportRuleNeverExport:
		target = normalRule
	default:
		return
	}

	result, err := c.facade.SetExportRule(ctx, target)
	if err != nil {
		c.logger.Error("failed to set export rule", "error", err, "target", target)
		return
	}
	if result.Verified {
		c.cachedExportRule = result.Applied
		if err := c.store.Put(statestore.KeyCachedExportRule, string(c.cachedExportRule)); err != nil {
			c.logger.Error("failed to persist cached export rule", "error", err)
		}
		c.notifyUpdate()
	}
}

// notifyUpdate fires the OnUpdate hook, if configured. Caller holds c.mu.
func (c *Controller) notifyUpdate() {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(c.cachedExportRule, c.inverterState.Curtailed, c.inverterState.LimitW)
	}
}

// dcCoupledShouldCurtail implements spec.md section 4.8's DC-coupled
// should-curtail predicate. exportEarningsCents is positive when the
// consumer earns from exporting, negative when exporting costs them.
func dcCoupledShouldCurtail(live batteryfacade.LiveStatus, exportEarningsCents float64) bool {
	exporting := live.GridPowerW < 0
	charging := live.BatteryPowerW < 0
	if live.SoC >= 1.0 && exporting {
		return true
	}
	if !charging && exporting && exportEarningsCents < 0 {
		return true
	}
	return false
}

// evaluateInverter implements spec.md section 4.8's AC-coupled inverter
// curtailment predicate, independent of the battery export rule. Caller holds c.mu.
func (c *Controller) evaluateInverter(ctx context.Context, in Evaluate) {
	exporting := in.Live.GridPowerW < 0
	charging := in.Live.BatteryPowerW < 0
	full := in.Live.SoC >= 1.0
	exportEarnings := in.ExportPriceCents

	curtail := false
	switch {
	case in.ImportPriceCents < 0:
		curtail = true
	case exporting && exportEarnings < 0 && (full || !charging):
		if charging && in.Live.SoC < c.cfg.ChargeHeadroomSoC {
			curtail = false
		} else {
			curtail = true
		}
	case in.Live.SoC < c.cfg.RestoreSoC:
		curtail = false
	case !exporting:
		curtail = false
	}

	if curtail == c.inverterState.Curtailed && curtail {
		c.updateLoadFollowingLimit(ctx, in)
		return
	}
	if curtail == c.inverterState.Curtailed {
		return
	}

	if curtail {
		c.transitionInverter(ctx, true)
		c.updateLoadFollowingLimit(ctx, in)
	} else {
		c.transitionInverter(ctx, false)
	}
}

func (c *Controller) updateLoadFollowingLimit(ctx context.Context, in Evaluate) {
	// Load-following target: home_load + battery_charge_rate, per spec.md section 4.8.
	chargeRate := 0.0
	if in.Live.BatteryPowerW < 0 {
		chargeRate = -in.Live.BatteryPowerW
	}
	limit := in.Live.LoadPowerW + chargeRate
	c.inverterState.LimitW = limit

	if absFloat(limit-c.lastIssuedLimit) <= c.cfg.PowerLimitHysteresisW && time.Since(c.lastIssuedAt) < c.cfg.ReassertEvery {
		return
	}
	if c.inverter == nil {
		return
	}
	full := in.Live.SoC >= 1.0 && !(in.Live.BatteryPowerW < 0)
	var err error
	if full {
		err = c.inverter.Shutdown(ctx)
	} else {
		err = c.inverter.SetPowerLimit(ctx, limit)
	}
	if err != nil {
		c.logger.Error("failed to update inverter power limit", "error", err)
		return
	}
	c.lastIssuedLimit = limit
	c.lastIssuedAt = time.Now()
	c.persistInverterState(limit)
}

func (c *Controller) transitionInverter(ctx context.Context, curtailed bool) {
	c.inverterState.Curtailed = curtailed
	if !curtailed {
		if c.inverter != nil {
			if err := c.inverter.Restore(ctx); err != nil {
				c.logger.Error("failed to restore inverter", "error", err)
			}
		}
		c.lastIssuedLimit = 0
	}
	c.persistInverterState(c.inverterState.LimitW)
	c.notifyUpdate()
}

func (c *Controller) persistInverterState(limitW float64) {
	state := StateNormalKey
	if c.inverterState.Curtailed {
		state = StateCurtailedKey
	}
	if err := c.store.Put(statestore.KeyInverterLastState, state); err != nil {
		c.logger.Error("failed to persist inverter state", "error", err)
	}
	if err := c.store.Put(statestore.KeyInverterPowerLimitW, limitW); err != nil {
		c.logger.Error("failed to persist inverter power limit", "error", err)
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
