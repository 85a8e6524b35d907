// Package tariff builds provider-neutral 48-period daily tariff documents
// from a forecast price series, the way the teacher's controller package
// builds BESS commands from prioritised control components: a pure,
// deterministic function over the current state, no I/O.
package tariff

import "fmt"

// NumPeriods is the number of half-hour slots in a day.
const NumPeriods = 48

// PeriodLabels holds the 48 "HH:MM" period labels in order, 00:00 .. 23:30.
var PeriodLabels = buildPeriodLabels()

func buildPeriodLabels() [NumPeriods]string {
	var labels [NumPeriods]string
	for i := 0; i < NumPeriods; i++ {
		hour := i / 2
		minute := 0
		if i%2 == 1 {
			minute = 30
		}
		labels[i] = fmt.Sprintf("%02d:%02d", hour, minute)
	}
	return labels
}

// PeriodIndex returns the 0-47 slot index for a given hour/minute, rounding
// down to the half-hour boundary.
func PeriodIndex(hour, minute int) int {
	idx := hour*2 + minute/30
	if idx < 0 {
		idx += NumPeriods
	}
	return idx % NumPeriods
}

// DemandCharge is an optional per-period demand (capacity) charge overlay.
type DemandCharge struct {
	PeriodLabel string
	DollarsPerKW float64
}

// SeasonCoverage describes the months a season applies to (inclusive), e.g. {1,12} for the whole year.
type SeasonCoverage struct {
	FromMonth int
	ToMonth   int
}

// Header is the metadata attached to a TariffDocument.
type Header struct {
	Name             string
	Utility          string
	Code             string
	Currency         string
	DailyChargeCents float64
	DemandCharges    []DemandCharge
	EffectiveSeasons map[string]SeasonCoverage // season name -> coverage; invariant: covers the full year
}

// Document is the provider-neutral 48-period daily tariff: one buy and one
// sell rate, in dollars/kWh, for each of the 48 half-hour period labels.
//
// Invariant: every period label in PeriodLabels appears exactly once in both
// BuyRates and SellRates.
type Document struct {
	Header    Header
	BuyRates  map[string]float64 // dollars/kWh, keyed by period label
	SellRates map[string]float64 // dollars/kWh, keyed by period label
}

// NewDocument returns an empty Document with all 48 slots present and zeroed.
func NewDocument(header Header) Document {
	doc := Document{
		Header:    header,
		BuyRates:  make(map[string]float64, NumPeriods),
		SellRates: make(map[string]float64, NumPeriods),
	}
	for _, label := range PeriodLabels {
		doc.BuyRates[label] = 0
		doc.SellRates[label] = 0
	}
	return doc
}

// Validate checks the structural invariants of a Document: every period
// label is present in both rate maps, and no rate is outside the range the
// system considers sane (cents pre-conversion: [-200, 2500]).
func (d Document) Validate() error {
	for _, label := range PeriodLabels {
		buy, ok := d.BuyRates[label]
		if !ok {
			return fmt.Errorf("missing buy rate for period %s", label)
		}
		sell, ok := d.SellRates[label]
		if !ok {
			return fmt.Errorf("missing sell rate for period %s", label)
		}
		if buyCents := buy * 100; buyCents < -200 || buyCents > 2500 {
			return fmt.Errorf("buy rate for period %s out of range: %f cents", label, buyCents)
		}
		if sellCents := sell * 100; sellCents < -200 || sellCents > 2500 {
			return fmt.Errorf("sell rate for period %s out of range: %f cents", label, sellCents)
		}
	}
	return nil
}

// Clone returns a deep copy of the document, used by the Spike and
// Force-Mode managers to snapshot the currently-active tariff before
// overwriting it.
func (d Document) Clone() Document {
	clone := Document{
		Header:    d.Header,
		BuyRates:  make(map[string]float64, len(d.BuyRates)),
		SellRates: make(map[string]float64, len(d.SellRates)),
	}
	for k, v := range d.BuyRates {
		clone.BuyRates[k] = v
	}
	for k, v := range d.SellRates {
		clone.SellRates[k] = v
	}
	clone.Header.DemandCharges = append([]DemandCharge(nil), d.Header.DemandCharges...)
	if d.Header.EffectiveSeasons != nil {
		clone.Header.EffectiveSeasons = make(map[string]SeasonCoverage, len(d.Header.EffectiveSeasons))
		for k, v := range d.Header.EffectiveSeasons {
			clone.Header.EffectiveSeasons[k] = v
		}
	}
	return clone
}
