package batteryfacade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/tariff"
)

func TestHTTPJSON_SetExportRuleVerifiesReadback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"customer_preferred_export_rule": "battery_ok"})
		}
	}))
	defer srv.Close()

	h := NewHTTPJSON(srv.URL, "site-1", func() string { return "tok" })
	res, err := h.SetExportRule(context.Background(), ExportRuleBatteryOK)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, ExportRuleBatteryOK, res.Applied)
}

func TestHTTPJSON_SetExportRuleUnverifiedOnReadbackFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	h := NewHTTPJSON(srv.URL, "site-1", nil)
	res, err := h.SetExportRule(context.Background(), ExportRuleNeverExport)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, ExportRuleNeverExport, res.Applied)
}

func TestHTTPJSON_UploadTariffRejectsOnPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := NewHTTPJSON(srv.URL, "site-1", func() string { return "tok" })
	doc := tariff.NewDocument(tariff.Header{Name: "test"})
	err := h.UploadTariff(context.Background(), doc)
	require.Error(t, err)
}

func TestHTTPJSON_GetLiveStatusParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"percentage_charged": 62.5,
			"battery_power":      -1200.0,
			"grid_power":         300.0,
			"solar_power":        2000.0,
			"load_power":         500.0,
			"default_real_mode":  "self_consumption",
		})
	}))
	defer srv.Close()

	h := NewHTTPJSON(srv.URL, "site-1", nil)
	status, err := h.GetLiveStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.625, status.SoC)
	assert.Equal(t, ModeSelfConsumption, status.OperationMode)
}
