package priceadapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pricesync/controller/prices"
)

// WholesaleAdapter queries a region-keyed market API for wholesale prices
// in currency/MWh and converts to cents/kWh, following the same
// request/parse shape as modo.Client's imbalance-price polling. Settled
// prices are published at 30-minute resolution; current is 5-minute.
type WholesaleAdapter struct {
	httpClient http.Client
	baseURL    string
	region     string
}

func NewWholesaleAdapter(httpClient http.Client, baseURL, region string) *WholesaleAdapter {
	return &WholesaleAdapter{httpClient: httpClient, baseURL: baseURL, region: region}
}

type wholesalePriceResponse struct {
	Region           string  `json:"region"`
	IntervalStart    string  `json:"intervalStart"`
	PricePerMWh      float64 `json:"pricePerMwh"`
}

func (a *WholesaleAdapter) Current(ctx context.Context) (prices.PriceSnapshot, error) {
	records, err := a.query(ctx, fmt.Sprintf("%s/prices/current?region=%s", a.baseURL, a.region))
	if err != nil {
		return prices.PriceSnapshot{}, err
	}
	if len(records) == 0 {
		return prices.PriceSnapshot{}, prices.NewError(prices.ErrDataAbsent, fmt.Errorf("no current wholesale price for region %s", a.region))
	}
	p, err := toWholesalePoint(records[0], prices.Current)
	if err != nil {
		return prices.PriceSnapshot{}, err
	}
	// Import and export both track the wholesale reference price in this
	// provider family: downstream network overlays differentiate them.
	p.Channel = prices.Import
	imp := p
	exp := p
	exp.Channel = prices.Export
	return prices.PriceSnapshot{Import: imp, Export: exp}, nil
}

func (a *WholesaleAdapter) Forecast(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	records, err := a.query(ctx, fmt.Sprintf("%s/prices/forecast?region=%s&minutes=%d", a.baseURL, a.region, int(horizon.Minutes())))
	if err != nil {
		return nil, err
	}
	return toWholesalePoints(records, prices.Forecast)
}

func (a *WholesaleAdapter) Settled(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	records, err := a.query(ctx, fmt.Sprintf("%s/prices/settled?region=%s&minutes=%d", a.baseURL, a.region, int(horizon.Minutes())))
	if err != nil {
		return nil, err
	}
	return toWholesalePoints(records, prices.Settled)
}

func (a *WholesaleAdapter) query(ctx context.Context, url string) ([]wholesalePriceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, prices.NewError(prices.ErrPermanent, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, prices.NewError(prices.ErrTransient, fmt.Errorf("get wholesale prices: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, prices.NewError(prices.ErrTransient, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, prices.NewError(prices.ErrPermanent, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var records []wholesalePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, prices.NewError(prices.ErrPermanent, fmt.Errorf("parse body: %w", err))
	}
	return records, nil
}

func toWholesalePoints(records []wholesalePriceResponse, kind prices.Kind) ([]prices.PricePoint, error) {
	if len(records) == 0 {
		return nil, prices.NewError(prices.ErrDataAbsent, fmt.Errorf("no wholesale records"))
	}
	points := make([]prices.PricePoint, 0, len(records)*2)
	for _, r := range records {
		p, err := toWholesalePoint(r, kind)
		if err != nil {
			return nil, err
		}
		imp := p
		imp.Channel = prices.Import
		exp := p
		exp.Channel = prices.Export
		points = append(points, imp, exp)
	}
	return points, nil
}

// toWholesalePoint converts currency/MWh to cents/kWh: MWh -> kWh is /1000,
// currency -> cents is *100, so the net factor is /10 (matching modo.Client's `/10`).
func toWholesalePoint(r wholesalePriceResponse, kind prices.Kind) (prices.PricePoint, error) {
	start, err := time.Parse(time.RFC3339, r.IntervalStart)
	if err != nil {
		return prices.PricePoint{}, prices.NewError(prices.ErrPermanent, fmt.Errorf("parse interval start: %w", err))
	}
	cents := r.PricePerMWh / 10
	wholesale := r.PricePerMWh
	return prices.PricePoint{
		Start:          start,
		End:            start.Add(30 * time.Minute),
		PerKWhCents:    cents,
		Kind:           kind,
		WholesaleCents: &wholesale,
		Region:         r.Region,
	}, nil
}
