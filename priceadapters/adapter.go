// Package priceadapters provides a uniform read interface over the three
// provider families named in spec.md section 4.2: a retailer REST API, a
// wholesale market API, and a static TOU rate card.
package priceadapters

import (
	"context"
	"time"

	"github.com/pricesync/controller/prices"
)

// Adapter is the uniform interface every price source implements.
type Adapter interface {
	// Current returns the best-known price for the present interval.
	Current(ctx context.Context) (prices.PriceSnapshot, error)
	// Forecast returns forecast points covering the given horizon.
	Forecast(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error)
}

// SettledAdapter is implemented by adapters that can also report settled
// (finalized) prices - the retailer and wholesale adapters, not the static
// tariff-card adapter.
type SettledAdapter interface {
	Settled(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error)
}

// UncertaintyClass selects which forecast class a retailer adapter reports,
// per spec.md section 4.2.1.
type UncertaintyClass string

const (
	Predicted   UncertaintyClass = "predicted"
	Conservative UncertaintyClass = "conservative"
	Optimistic  UncertaintyClass = "optimistic"
)
