package priceadapters

import (
	"context"
	"fmt"
	"time"

	"github.com/pricesync/controller/modo"
	"github.com/pricesync/controller/prices"
)

// ImbalanceAdapter adapts a modo.Client's cached GB imbalance price into an
// Adapter, so the spike manager can watch settlement-level imbalance spikes
// as an alternative to a retailer or wholesale-market feed. It only ever
// reports the current settlement period: Modo's widgets carry no forecast.
type ImbalanceAdapter struct {
	client *modo.Client
	region string
}

func NewImbalanceAdapter(client *modo.Client, region string) *ImbalanceAdapter {
	return &ImbalanceAdapter{client: client, region: region}
}

func (a *ImbalanceAdapter) Current(ctx context.Context) (prices.PriceSnapshot, error) {
	cents, spTime := a.client.ImbalancePrice()
	if spTime.IsZero() {
		return prices.PriceSnapshot{}, prices.NewError(prices.ErrDataAbsent, fmt.Errorf("no imbalance price observed yet"))
	}
	point := prices.PricePoint{
		Start:       spTime,
		End:         spTime.Add(30 * time.Minute),
		PerKWhCents: cents,
		Kind:        prices.Current,
		Region:      a.region,
	}
	imp := point
	imp.Channel = prices.Import
	exp := point
	exp.Channel = prices.Export
	return prices.PriceSnapshot{Import: imp, Export: exp}, nil
}

func (a *ImbalanceAdapter) Forecast(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	return nil, prices.NewError(prices.ErrDataAbsent, fmt.Errorf("imbalance adapter has no forecast capability"))
}

func (a *ImbalanceAdapter) Settled(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	return nil, prices.NewError(prices.ErrDataAbsent, fmt.Errorf("imbalance adapter has no settled-price history"))
}
