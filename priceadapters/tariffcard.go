package priceadapters

import (
	"context"
	"fmt"
	"time"

	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/tariffpresets"
)

// TariffCardAdapter reads a user-configured static TOU rate card and
// synthesizes PricePoints by computing which period covers each half-hour
// of the forecast horizon. It never performs I/O - there is no external
// service to fail - so its errors are limited to configuration mistakes.
type TariffCardAdapter struct {
	preset   tariffpresets.Preset
	timezone *time.Location
	now      func() time.Time
}

func NewTariffCardAdapter(preset tariffpresets.Preset, timezone *time.Location) *TariffCardAdapter {
	return &TariffCardAdapter{preset: preset, timezone: timezone, now: time.Now}
}

func (a *TariffCardAdapter) Current(ctx context.Context) (prices.PriceSnapshot, error) {
	now := a.now().In(a.timezone)
	return prices.PriceSnapshot{
		Import: a.pointAt(now, prices.Import),
		Export: a.pointAt(now, prices.Export),
	}, nil
}

func (a *TariffCardAdapter) Forecast(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	now := a.now().In(a.timezone)
	var points []prices.PricePoint
	for t := now; t.Before(now.Add(horizon)); t = t.Add(30 * time.Minute) {
		points = append(points, a.pointAt(t, prices.Import), a.pointAt(t, prices.Export))
	}
	if len(points) == 0 {
		return nil, prices.NewError(prices.ErrDataAbsent, fmt.Errorf("zero-length horizon"))
	}
	return points, nil
}

func (a *TariffCardAdapter) pointAt(t time.Time, ch prices.Channel) prices.PricePoint {
	// floor to the half-hour boundary this point represents
	start := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), (t.Minute()/30)*30, 0, 0, t.Location())
	var cents float64
	if ch == prices.Export {
		cents = a.preset.ExportFlatCents
	} else {
		dow := tariffpresets.DayOfWeek(int(start.Weekday()))
		cents = a.preset.RateAt(dow, start.Hour(), a.preset.ImportFlatCents)
	}
	return prices.PricePoint{
		Start:       start,
		End:         start.Add(30 * time.Minute),
		Channel:     ch,
		PerKWhCents: cents,
		Kind:        prices.Forecast,
	}
}
