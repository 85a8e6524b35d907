package batteryfacade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/tariff"
)

// HTTPJSON implements Facade against a cloud API using the Tesla-style
// nested tariff wire format described in spec.md section 6, generalizing
// tesla.PowerPack's polling stub into a real HTTP client.
type HTTPJSON struct {
	httpClient *http.Client
	baseURL    string
	siteID     string
	tokenFn    func() string

	uploadMu sync.Mutex // serializes UploadTariff per site, per spec.md section 4.5
	logger   *slog.Logger
}

func NewHTTPJSON(baseURL, siteID string, tokenFn func() string) *HTTPJSON {
	return &HTTPJSON{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		siteID:     siteID,
		tokenFn:    tokenFn,
		logger:     slog.Default().With("component", "batteryfacade.httpjson", "site_id", siteID),
	}
}

// touWireDocument mirrors the nested tou_periods / energy_charges wire
// shape the battery's cloud API expects, grounded directly in
// tariff_templates.py's output format. SellTariff mirrors EnergyCharges,
// carrying doc.SellRates the same way EnergyCharges carries doc.BuyRates -
// spec.md section 6 names both sell_tariff.energy_charges and
// energy_charges as siblings on the uploaded document.
type touWireDocument struct {
	TOUPeriods    map[string][]touWirePeriod `json:"tou_periods"`
	EnergyCharges map[string]seasonCharges   `json:"energy_charges"`
	SellTariff    sellTariff                 `json:"sell_tariff"`
}

type sellTariff struct {
	EnergyCharges map[string]seasonCharges `json:"energy_charges"`
}

// touWirePeriod is a single fromDayOfWeek/toDayOfWeek/fromHour:fromMinute to
// toHour:toMinute window, per spec.md section 6. FromDayOfWeek/ToDayOfWeek
// already use the wire's own 0=Sunday convention; the (python_dow+1)%7
// conversion in spec.md section 6 only applies when the source value came
// from a 0=Monday representation (see tariffpresets.DayOfWeek), which none
// of this document's inputs are - every period label applies on every day.
type touWirePeriod struct {
	FromDayOfWeek int `json:"fromDayOfWeek"`
	ToDayOfWeek   int `json:"toDayOfWeek"`
	FromHour      int `json:"fromHour"`
	FromMinute    int `json:"fromMinute"`
	ToHour        int `json:"toHour"`
	ToMinute      int `json:"toMinute"`
}

type seasonCharges struct {
	FromMonth int                `json:"fromMonth"`
	ToMonth   int                `json:"toMonth"`
	Rates     map[string]float64 `json:"rates"`
}

func (h *HTTPJSON) UploadTariff(ctx context.Context, doc tariff.Document) error {
	h.uploadMu.Lock()
	defer h.uploadMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	wire := toWireDocument(doc)
	return withRetry(ctx, func(ctx context.Context) error {
		return h.post(ctx, "/api/1/energy_sites/"+h.siteID+"/time_of_use_settings", wire, nil)
	})
}

func toWireDocument(doc tariff.Document) touWireDocument {
	fromMonth, toMonth := 1, 12
	if all, ok := doc.Header.EffectiveSeasons["All Year"]; ok {
		fromMonth, toMonth = all.FromMonth, all.ToMonth
	}

	buySeason := seasonCharges{FromMonth: fromMonth, ToMonth: toMonth, Rates: make(map[string]float64, len(doc.BuyRates))}
	for label, rate := range doc.BuyRates {
		buySeason.Rates[label] = rate
	}
	sellSeason := seasonCharges{FromMonth: fromMonth, ToMonth: toMonth, Rates: make(map[string]float64, len(doc.SellRates))}
	for label, rate := range doc.SellRates {
		sellSeason.Rates[label] = rate
	}

	touPeriods := make(map[string][]touWirePeriod, tariff.NumPeriods)
	for i, label := range tariff.PeriodLabels {
		fromHour, fromMinute, toHour, toMinute := periodWireWindow(i)
		touPeriods[label] = []touWirePeriod{{
			FromDayOfWeek: 0, ToDayOfWeek: 6,
			FromHour: fromHour, FromMinute: fromMinute,
			ToHour: toHour, ToMinute: toMinute,
		}}
	}

	return touWireDocument{
		TOUPeriods: touPeriods,
		EnergyCharges: map[string]seasonCharges{
			"All Year": buySeason,
		},
		SellTariff: sellTariff{
			EnergyCharges: map[string]seasonCharges{
				"All Year": sellSeason,
			},
		},
	}
}

// periodWireWindow returns the [fromHour:fromMinute, toHour:toMinute) clock
// window for half-hour period index i, e.g. i=0 -> 00:00-00:30, i=47 ->
// 23:30-24:00.
func periodWireWindow(i int) (fromHour, fromMinute, toHour, toMinute int) {
	fromHour = i / 2
	fromMinute = 0
	if i%2 == 1 {
		fromMinute = 30
	}
	toHour, toMinute = fromHour, fromMinute+30
	if toMinute == 60 {
		toMinute = 0
		toHour++
	}
	return
}

func (h *HTTPJSON) GetSiteInfo(ctx context.Context) (SiteInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var resp struct {
		SiteID              string  `json:"site_id"`
		NameplateEnergy     float64 `json:"nameplate_energy"`
		NameplatePower      float64 `json:"nameplate_power"`
		FirmwareVersion     string  `json:"version"`
		DefaultRealMode     string  `json:"default_real_mode"`
		BackupReservePercent float64 `json:"backup_reserve_percent"`
		CustomerExportRule  string  `json:"customer_preferred_export_rule"`
		Timezone            string  `json:"time_zone"`
	}
	if err := h.get(ctx, "/api/1/energy_sites/"+h.siteID+"/site_info", &resp); err != nil {
		return SiteInfo{}, err
	}
	return SiteInfo{
		SiteID:          resp.SiteID,
		NameplateEnergy: resp.NameplateEnergy,
		NameplatePower:  resp.NameplatePower,
		FirmwareVersion: resp.FirmwareVersion,
		OperationMode:   OperationMode(resp.DefaultRealMode),
		BackupReserve:   resp.BackupReservePercent / 100,
		ExportRule:      ExportRule(resp.CustomerExportRule),
		Timezone:        resp.Timezone,
	}, nil
}

func (h *HTTPJSON) SetOperationMode(ctx context.Context, mode OperationMode) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	body := map[string]string{"default_real_mode": string(mode)}
	return withRetry(ctx, func(ctx context.Context) error {
		return h.post(ctx, "/api/1/energy_sites/"+h.siteID+"/operation", body, nil)
	})
}

// SetSelfConsumptionMode is a thin forward onto SetOperationMode: the
// HTTP/JSON battery API has no separate self-consumption endpoint.
func (h *HTTPJSON) SetSelfConsumptionMode(ctx context.Context) error {
	return h.SetOperationMode(ctx, ModeSelfConsumption)
}

func (h *HTTPJSON) SetBackupReserve(ctx context.Context, reserve float64) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	body := map[string]float64{"backup_reserve_percent": reserve * 100}
	return withRetry(ctx, func(ctx context.Context) error {
		return h.post(ctx, "/api/1/energy_sites/"+h.siteID+"/backup", body, nil)
	})
}

func (h *HTTPJSON) SetExportRule(ctx context.Context, rule ExportRule) (SetExportRuleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	body := map[string]string{"customer_preferred_export_rule": string(rule)}
	err := withRetry(ctx, func(ctx context.Context) error {
		return h.post(ctx, "/api/1/energy_sites/"+h.siteID+"/grid_import_export", body, nil)
	})
	if err != nil {
		return SetExportRuleResult{}, err
	}

	// Read back to confirm, per spec.md section 4.5. A failed read-back is
	// not itself a fatal error - the write succeeded - but the caller
	// should treat the rule as unverified until it observes otherwise.
	var readback struct {
		CustomerPreferredExportRule string `json:"customer_preferred_export_rule"`
	}
	if err := h.get(ctx, "/api/1/energy_sites/"+h.siteID+"/grid_import_export", &readback); err != nil {
		h.logger.Warn("export rule read-back failed", "error", err)
		return SetExportRuleResult{Verified: false, Applied: rule}, nil
	}

	return SetExportRuleResult{
		Verified: readback.CustomerPreferredExportRule == string(rule),
		Applied:  ExportRule(readback.CustomerPreferredExportRule),
	}, nil
}

func (h *HTTPJSON) GetLiveStatus(ctx context.Context) (LiveStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var resp struct {
		Timestamp     time.Time `json:"timestamp"`
		PercentageCharged float64 `json:"percentage_charged"`
		BatteryPower  float64   `json:"battery_power"`
		GridPower     float64   `json:"grid_power"`
		SolarPower    float64   `json:"solar_power"`
		LoadPower     float64   `json:"load_power"`
		OperationMode string    `json:"default_real_mode"`
	}
	if err := h.get(ctx, "/api/1/energy_sites/"+h.siteID+"/live_status", &resp); err != nil {
		return LiveStatus{}, err
	}
	return LiveStatus{
		Timestamp:     resp.Timestamp,
		SoC:           resp.PercentageCharged / 100,
		BatteryPowerW: resp.BatteryPower,
		GridPowerW:    resp.GridPower,
		SolarPowerW:   resp.SolarPower,
		LoadPowerW:    resp.LoadPower,
		OperationMode: OperationMode(resp.OperationMode),
	}, nil
}

func (h *HTTPJSON) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return prices.NewError(prices.ErrPermanent, err)
	}
	h.setAuth(req)
	return h.do(req, out)
}

func (h *HTTPJSON) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return prices.NewError(prices.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return prices.NewError(prices.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	h.setAuth(req)
	return h.do(req, out)
}

func (h *HTTPJSON) setAuth(req *http.Request) {
	if h.tokenFn != nil {
		req.Header.Set("Authorization", "Bearer "+h.tokenFn())
	}
}

func (h *HTTPJSON) do(req *http.Request, out interface{}) error {
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return prices.NewError(prices.ErrTransient, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return prices.NewError(prices.ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return prices.NewError(prices.ErrTransient, fmt.Errorf("status %d: %s", resp.StatusCode, b))
	case resp.StatusCode >= 400:
		return prices.NewError(prices.ErrPermanent, fmt.Errorf("status %d: %s", resp.StatusCode, b))
	}

	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return prices.NewError(prices.ErrPermanent, err)
	}
	return nil
}
