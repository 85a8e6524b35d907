package priceadapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pricesync/controller/prices"
)

// RetailerAdapter queries a REST endpoint for per-channel forecast and
// settled prices at 30-minute granularity, the same request/decode shape
// axleclient.Client uses for its schedule pull.
type RetailerAdapter struct {
	httpClient   http.Client
	baseURL      string
	siteID       string
	tokenFn      func() string // read-through-latest token getter, called before every HTTP call
	uncertainty  UncertaintyClass
}

// NewRetailerAdapter builds a RetailerAdapter. tokenFn is called immediately
// before every HTTP request so that external token-refresh can propagate,
// per spec.md section 5's "read-through-latest" credential rule.
func NewRetailerAdapter(httpClient http.Client, baseURL, siteID string, tokenFn func() string, uncertainty UncertaintyClass) *RetailerAdapter {
	return &RetailerAdapter{
		httpClient:  httpClient,
		baseURL:     baseURL,
		siteID:      siteID,
		tokenFn:     tokenFn,
		uncertainty: uncertainty,
	}
}

type retailerPriceRecord struct {
	ChannelType string    `json:"channelType"` // "general" or "feedIn"
	PerKWh      float64   `json:"perKwh"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Descriptor  string    `json:"descriptor"` // e.g. "predicted", "conservative", "optimistic"
	Type        string    `json:"type"`       // "ForecastInterval" or "ActualInterval"
}

func (a *RetailerAdapter) Current(ctx context.Context) (prices.PriceSnapshot, error) {
	records, err := a.get(ctx, fmt.Sprintf("%s/sites/%s/prices/current", a.baseURL, a.siteID))
	if err != nil {
		return prices.PriceSnapshot{}, err
	}
	var snap prices.PriceSnapshot
	for _, r := range records {
		p := toPricePoint(r, prices.Current)
		if p.Channel == prices.Import {
			snap.Import = p
		} else {
			snap.Export = p
		}
	}
	return snap, nil
}

func (a *RetailerAdapter) Forecast(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	records, err := a.get(ctx, fmt.Sprintf("%s/sites/%s/prices/forecasts?next=%d", a.baseURL, a.siteID, int(horizon.Minutes())))
	if err != nil {
		return nil, err
	}
	points := make([]prices.PricePoint, 0, len(records))
	for _, r := range records {
		if r.Descriptor != "" && UncertaintyClass(r.Descriptor) != a.uncertainty {
			continue // only the configured uncertainty class is surfaced
		}
		points = append(points, toPricePoint(r, prices.Forecast))
	}
	if len(points) == 0 {
		return nil, prices.NewError(prices.ErrDataAbsent, fmt.Errorf("no forecast points for site %s", a.siteID))
	}
	return points, nil
}

func (a *RetailerAdapter) Settled(ctx context.Context, horizon time.Duration) ([]prices.PricePoint, error) {
	records, err := a.get(ctx, fmt.Sprintf("%s/sites/%s/prices/settled?since=%d", a.baseURL, a.siteID, int(horizon.Minutes())))
	if err != nil {
		return nil, err
	}
	points := make([]prices.PricePoint, 0, len(records))
	for _, r := range records {
		points = append(points, toPricePoint(r, prices.Settled))
	}
	return points, nil
}

func (a *RetailerAdapter) get(ctx context.Context, url string) ([]retailerPriceRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, prices.NewError(prices.ErrPermanent, fmt.Errorf("build request: %w", err))
	}
	if a.tokenFn != nil {
		req.Header.Set("Authorization", "Bearer "+a.tokenFn())
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, prices.NewError(prices.ErrTransient, fmt.Errorf("get prices: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, prices.NewError(prices.ErrTransient, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return nil, prices.NewError(prices.ErrPermanent, fmt.Errorf("auth failed: status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, prices.NewError(prices.ErrPermanent, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var records []retailerPriceRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, prices.NewError(prices.ErrPermanent, fmt.Errorf("parse body: %w", err))
	}
	return records, nil
}

// toPricePoint transcribes the wire channel naming to the internal Channel
// enum, per spec.md section 6: general -> import, feedIn -> export.
func toPricePoint(r retailerPriceRecord, kind prices.Kind) prices.PricePoint {
	channel := prices.Import
	if r.ChannelType == "feedIn" {
		channel = prices.Export
	}
	return prices.PricePoint{
		Start:       r.StartTime,
		End:         r.EndTime,
		Channel:     channel,
		PerKWhCents: r.PerKWh,
		Kind:        kind,
	}
}
