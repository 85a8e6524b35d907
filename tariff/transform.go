package tariff

import (
	"math"
	"time"

	"github.com/pricesync/controller/cartesian"
	"github.com/pricesync/controller/clock"
	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/timeutils"
)

// SpikeProtection caps buy prices above Ceiling to Replacement (cents/kWh).
// Idempotent: re-applying never changes an already-capped value since
// Replacement is always <= Ceiling.
type SpikeProtection struct {
	Enabled     bool
	CeilingCents     float64
	ReplacementCents float64
}

// TimeWindow is a local clock-time window, inclusive start, exclusive end,
// that may wrap midnight (e.g. 21:00-10:00).
type TimeWindow struct {
	StartHour, StartMinute int
	EndHour, EndMinute     int
}

// Contains reports whether the given local hour/minute falls within the window.
func (w TimeWindow) Contains(hour, minute int) bool {
	cur := hour*60 + minute
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute
	if start == end {
		return true // zero-width / full-day window
	}
	if start < end {
		return cur >= start && cur < end
	}
	// wraps midnight
	return cur >= start || cur < end
}

// ExportBoost shifts sell prices at or above Threshold by Offset (both
// cents/kWh) within Window, clamped to a minimum of MinCents.
type ExportBoost struct {
	Enabled       bool
	Window        TimeWindow
	ThresholdCents float64
	OffsetCents    float64
	MinCents       float64
}

// Inverse returns the ExportBoost that undoes this one (offset negated, min
// clamp removed to 0), used by the boost/inverse round-trip property test.
func (b ExportBoost) Inverse() ExportBoost {
	return ExportBoost{
		Enabled:        b.Enabled,
		Window:         b.Window,
		ThresholdCents: b.ThresholdCents + b.OffsetCents,
		OffsetCents:    -b.OffsetCents,
		MinCents:       0,
	}
}

// ChipMode zeroes out sell prices below Threshold within Window.
type ChipMode struct {
	Enabled        bool
	Window         TimeWindow
	ThresholdCents float64
}

// TimedNetworkCharge adds FeeCents to every period label whose clock time
// falls within Window on an applicable day, e.g. a peak-demand network
// charge that only applies 4pm-9pm on weekdays. Adapted from the teacher's
// TimedCharge (config.TimedCharge / time_utils.DayedPeriod).
type TimedNetworkCharge struct {
	Window   timeutils.DayedPeriod
	FeeCents float64
}

// NetworkOverlay adds a per-period network fee, and optionally a demand
// charge curve (imported from cartesian.Curve, interpolating a $/kW demand
// charge by time-of-day bucket), applied to wholesale-sourced forecasts only.
type NetworkOverlay struct {
	Enabled        bool
	FeeCents       float64 // flat per-kWh network fee added to every buy period
	TimedCharges   []TimedNetworkCharge // additional windowed fees, e.g. weekday peak-demand charges
	DemandCurve    *cartesian.Curve
}

// ProviderExportTariff overlays a distinct export rate schedule (used when
// the retailer's export schedule differs from its import schedule).
type ProviderExportTariff struct {
	Enabled bool
	Rates   map[string]float64 // period label -> cents/kWh sell rate
}

// Modifiers bundles the composable transformation steps, applied in the
// fixed order documented in spec.md section 4.3: spike protection, export
// boost, chip mode, network overlay, provider export tariff.
type Modifiers struct {
	SpikeProtection      SpikeProtection
	ExportBoost          ExportBoost
	ChipMode             ChipMode
	NetworkOverlay       NetworkOverlay
	ProviderExportTariff ProviderExportTariff
	IsWholesaleSource    bool
}

// Input bundles everything the Transform function needs.
type Input struct {
	Forecast        []prices.PricePoint
	CurrentInterval *prices.PriceSnapshot
	Timezone        *time.Location
	Modifiers       Modifiers
	Header          Header
}

// slot holds the best-known point for a period label, tracked separately per channel.
type slot struct {
	has   bool
	kind  prices.Kind
	cents float64
}

// Transform is a pure function: forecast series + modifier config => 48-period tariff document.
// It never performs I/O and is bounded by 48 slots x 2 channels of work, matching the
// event-loop's "no CPU operation should exceed a few milliseconds" constraint.
func Transform(in Input) (Document, error) {
	tz := in.Timezone
	if tz == nil {
		tz = time.UTC
	}

	var buySlots, sellSlots [NumPeriods]slot

	// Step 1+3: assign each forecast point to its half-hour slot, applying
	// latest-kind precedence, then forward-fill any slot with no coverage.
	for _, p := range in.Forecast {
		localStart := p.Start.In(tz)
		idx := PeriodIndex(localStart.Hour(), localStart.Minute())
		assign(&buySlotsFor(p.Channel, &buySlots, &sellSlots)[idx], p)
	}

	// Step 2: overlay the current interval onto its slot if present.
	if in.CurrentInterval != nil {
		if in.CurrentInterval.HasImport() {
			overlayCurrent(&buySlots, in.CurrentInterval.Import, tz)
		}
		if in.CurrentInterval.HasExport() {
			overlayCurrent(&sellSlots, in.CurrentInterval.Export, tz)
		}
	}

	forwardFill(&buySlots)
	forwardFill(&sellSlots)

	doc := NewDocument(in.Header)
	for i, label := range PeriodLabels {
		doc.BuyRates[label] = buySlots[i].cents
		doc.SellRates[label] = sellSlots[i].cents
	}

	// Step 4: apply modifiers in the fixed, documented order.
	applySpikeProtection(doc.BuyRates, in.Modifiers.SpikeProtection)
	applyExportBoost(doc.SellRates, in.Modifiers.ExportBoost)
	applyChipMode(doc.SellRates, in.Modifiers.ChipMode)
	if in.Modifiers.IsWholesaleSource {
		refDate := clock.Now().In(tz)
		if in.CurrentInterval != nil && in.CurrentInterval.HasImport() {
			refDate = in.CurrentInterval.Import.Start.In(tz)
		}
		applyNetworkOverlay(doc.BuyRates, &doc.Header, in.Modifiers.NetworkOverlay, refDate)
	}
	applyProviderExportTariff(doc.SellRates, in.Modifiers.ProviderExportTariff)

	// Step 5: convert cents -> dollars, round to 4 decimals.
	for _, label := range PeriodLabels {
		doc.BuyRates[label] = round4(doc.BuyRates[label] / 100)
		doc.SellRates[label] = round4(doc.SellRates[label] / 100)
	}

	return doc, doc.Validate()
}

func buySlotsFor(ch prices.Channel, buy, sell *[NumPeriods]slot) *[NumPeriods]slot {
	if ch == prices.Export {
		return sell
	}
	return buy
}

func assign(s *slot, p prices.PricePoint) {
	if !s.has || p.Kind.Outranks(s.kind) {
		s.has = true
		s.kind = p.Kind
		s.cents = p.PerKWhCents
	}
}

// overlayCurrent displaces whatever forecast value is in the current
// interval's slot: the streamed price always wins for the present slot,
// since Kind=Current always outranks Kind=Forecast, but never a Settled value.
func overlayCurrent(slots *[NumPeriods]slot, p prices.PricePoint, tz *time.Location) {
	localStart := p.Start.In(tz)
	idx := PeriodIndex(localStart.Hour(), localStart.Minute())
	assign(&slots[idx], p)
}

// forwardFill fills any slot with no coverage using the previous slot's value.
func forwardFill(slots *[NumPeriods]slot) {
	lastVal := 0.0
	haveLast := false
	for i := range slots {
		if slots[i].has {
			lastVal = slots[i].cents
			haveLast = true
			continue
		}
		if haveLast {
			slots[i].cents = lastVal
			slots[i].has = true
		}
	}
	// wrap around: if the first slots had no coverage, fill from the end.
	if !haveLast {
		return
	}
	for i := range slots {
		if !slots[i].has {
			slots[i].cents = lastVal
			slots[i].has = true
		} else {
			lastVal = slots[i].cents
		}
	}
}

// applySpikeProtection replaces any buy price exceeding the ceiling with the
// replacement value. A price exactly equal to the ceiling is left unchanged
// (the cap is inclusive of the ceiling value itself).
func applySpikeProtection(buy map[string]float64, m SpikeProtection) {
	if !m.Enabled {
		return
	}
	for label, cents := range buy {
		if cents > m.CeilingCents {
			buy[label] = m.ReplacementCents
		}
	}
}

// applyExportBoost shifts sell prices at/above the threshold, within the
// window, by the configured offset, clamped to a minimum.
func applyExportBoost(sell map[string]float64, m ExportBoost) {
	if !m.Enabled {
		return
	}
	for i, label := range PeriodLabels {
		hour, minute := periodHourMinute(i)
		if !m.Window.Contains(hour, minute) {
			continue
		}
		cents := sell[label]
		if cents >= m.ThresholdCents {
			shifted := cents + m.OffsetCents
			if shifted < m.MinCents {
				shifted = m.MinCents
			}
			sell[label] = shifted
		}
	}
}

// applyChipMode zeroes sell prices below the threshold within the window:
// suppresses export when it would not earn.
func applyChipMode(sell map[string]float64, m ChipMode) {
	if !m.Enabled {
		return
	}
	for i, label := range PeriodLabels {
		hour, minute := periodHourMinute(i)
		if !m.Window.Contains(hour, minute) {
			continue
		}
		if sell[label] < m.ThresholdCents {
			sell[label] = 0
		}
	}
}

// applyNetworkOverlay adds a flat per-period network fee, any windowed
// TimedCharges whose DayedPeriod covers that period's clock time on refDate
// (and, if a demand curve is configured, folds its current-period value
// into the document's demand-charge header) onto the buy side only - a
// buy-only modifier never touches the sell schedule.
func applyNetworkOverlay(buy map[string]float64, header *Header, m NetworkOverlay, refDate time.Time) {
	if !m.Enabled {
		return
	}
	for label := range buy {
		buy[label] += m.FeeCents
	}
	if len(m.TimedCharges) > 0 {
		year, month, day := refDate.Date()
		for i, label := range PeriodLabels {
			hour, minute := periodHourMinute(i)
			t := time.Date(year, month, day, hour, minute, 0, 0, refDate.Location())
			for _, tc := range m.TimedCharges {
				window := tc.Window
				window.Start.Location = refDate.Location()
				window.End.Location = refDate.Location()
				if window.Contains(t) {
					buy[label] += tc.FeeCents
				}
			}
		}
	}
	if m.DemandCurve != nil {
		for i, label := range PeriodLabels {
			hour, _ := periodHourMinute(i)
			distance := m.DemandCurve.VerticalDistance(cartesian.Point{X: float64(hour)})
			if math.IsNaN(distance) {
				continue
			}
			header.DemandCharges = append(header.DemandCharges, DemandCharge{
				PeriodLabel:  label,
				DollarsPerKW: distance, // curve's y-value at this hour, read via VerticalDistance from a zero baseline
			})
		}
	}
}

// applyProviderExportTariff overlays a distinct export rate schedule onto
// the sell side, used when the retailer's export tariff differs from its import tariff.
func applyProviderExportTariff(sell map[string]float64, m ProviderExportTariff) {
	if !m.Enabled {
		return
	}
	for label, cents := range m.Rates {
		sell[label] = cents
	}
}

func periodHourMinute(idx int) (int, int) {
	hour := idx / 2
	minute := 0
	if idx%2 == 1 {
		minute = 30
	}
	return hour, minute
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
