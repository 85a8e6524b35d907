// Package tariffpresets ships a small built-in table of named starter
// tariff plans, mirroring the original integration's TARIFF_TEMPLATES, for
// the tariff-card adapter (priceadapters.TariffCardAdapter) to synthesize forecast points from
// when a user selects a preset instead of typing a full rate card.
package tariffpresets

import "github.com/pricesync/controller/tariff"

// DayOfWeek follows the battery wire format's convention: 0=Sunday. Callers
// converting from Go's time.Weekday (0=Sunday already, matching) don't need
// any offset; callers converting from a 0=Monday source apply
// (sourceDow+1)%7, per spec.md section 6.
type DayOfWeek int

const (
	Sunday DayOfWeek = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

// RateRule gives a flat rate in cents/kWh applying on some days within an hour range.
type RateRule struct {
	FromDayOfWeek, ToDayOfWeek DayOfWeek
	FromHour, ToHour           int // [FromHour, ToHour)
	Cents                      float64
}

// Preset is a named starter TOU plan.
type Preset struct {
	ID          string
	Name        string
	Utility     string
	Description string
	ImportRules []RateRule
	ExportFlatCents float64 // flat feed-in rate applied to every period
	ImportFlatCents float64 // fallback import rate when no ImportRules entry matches
}

var weekdayPeak3pm9pm = RateRule{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 15, ToHour: 21}
var weekdayShoulder7am3pm = RateRule{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 7, ToHour: 15}
var solarSoak10am2pm = RateRule{FromDayOfWeek: Sunday, ToDayOfWeek: Saturday, FromHour: 10, ToHour: 14}

// Builtin holds the built-in preset table, keyed by ID.
var Builtin = map[string]Preset{
	"globird_tou": {
		ID:      "globird_tou",
		Name:    "Globird Time of Use",
		Utility: "Globird Energy",
		ImportRules: []RateRule{
			{FromDayOfWeek: weekdayPeak3pm9pm.FromDayOfWeek, ToDayOfWeek: weekdayPeak3pm9pm.ToDayOfWeek, FromHour: 15, ToHour: 21, Cents: 42},
			{FromDayOfWeek: weekdayShoulder7am3pm.FromDayOfWeek, ToDayOfWeek: weekdayShoulder7am3pm.ToDayOfWeek, FromHour: 7, ToHour: 15, Cents: 25},
			{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 21, ToHour: 24, Cents: 14},
			{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 0, ToHour: 7, Cents: 14},
			{FromDayOfWeek: Saturday, ToDayOfWeek: Sunday, FromHour: 0, ToHour: 24, Cents: 14},
		},
		ExportFlatCents: 5,
	},
	"agl_solar_savers": {
		ID:      "agl_solar_savers",
		Name:    "AGL Solar Savers",
		Utility: "AGL",
		ImportRules: []RateRule{
			{FromDayOfWeek: solarSoak10am2pm.FromDayOfWeek, ToDayOfWeek: solarSoak10am2pm.ToDayOfWeek, FromHour: 10, ToHour: 14, Cents: 0},
			{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 15, ToHour: 21, Cents: 48},
			{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 21, ToHour: 24, Cents: 20},
			{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 0, ToHour: 7, Cents: 20},
			{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 7, ToHour: 10, Cents: 20},
			{FromDayOfWeek: Monday, ToDayOfWeek: Friday, FromHour: 14, ToHour: 15, Cents: 20},
			{FromDayOfWeek: Saturday, ToDayOfWeek: Sunday, FromHour: 0, ToHour: 24, Cents: 20},
		},
		ExportFlatCents: 5,
	},
}

// RateAt returns the cents/kWh import rate applying at the given Go weekday
// and hour, falling back to flatFallback if no rule matches.
func (p Preset) RateAt(dow DayOfWeek, hour int, flatFallback float64) float64 {
	for _, rule := range p.ImportRules {
		if dayInRange(dow, rule.FromDayOfWeek, rule.ToDayOfWeek) && hour >= rule.FromHour && hour < rule.ToHour {
			return rule.Cents
		}
	}
	return flatFallback
}

func dayInRange(d, from, to DayOfWeek) bool {
	if from <= to {
		return d >= from && d <= to
	}
	// wraps (e.g. Friday..Monday)
	return d >= from || d <= to
}

// Header returns the tariff.Header metadata for this preset.
func (p Preset) Header() tariff.Header {
	return tariff.Header{
		Name:     p.Name,
		Utility:  p.Utility,
		Code:     p.ID,
		Currency: "AUD",
		EffectiveSeasons: map[string]tariff.SeasonCoverage{
			"All Year": {FromMonth: 1, ToMonth: 12},
		},
	}
}
