// Package config reads the single JSON configuration file that describes
// a site: which battery facade transport to use, its price adapters, the
// scheduler's tariff header, and the force-mode/curtailment tunables.
// Kept to the teacher's plain encoding/json + os.ReadFile idiom
// (config.Read in the teacher), with google/uuid identifying every
// device. Secrets (API tokens, stream credentials) are never stored here -
// they're loaded from the environment by cmd/controller, following the
// teacher's env-var-lookup convention in the old main.go's data-platform wiring.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/pricesync/controller/priceadapters"
	"github.com/pricesync/controller/tariff"
	"github.com/pricesync/controller/timeutils"
)

// BatteryFacadeConfig selects and configures one of the three Battery
// Controller Facade backends (spec.md section 4.5). Exactly one of
// HTTPJSON, Modbus should be set; CloudRPC has no generic wire transport
// and is wired directly in cmd/controller when a manufacturer-specific
// transport is available.
type BatteryFacadeConfig struct {
	HTTPJSON *HTTPJSONFacadeConfig `json:"httpJSON,omitempty"`
	Modbus   *ModbusFacadeConfig   `json:"modbus,omitempty"`
}

type HTTPJSONFacadeConfig struct {
	BaseURL     string `json:"baseURL"`
	SiteID      string `json:"siteID"`
	TokenEnvVar string `json:"tokenEnvVar"`
}

type ModbusFacadeConfig struct {
	Host string `json:"host"`
}

// PriceAdapterConfig configures the Price Stream Client's REST fallback
// and forecast-horizon adapters (spec.md section 4.2).
type PriceAdapterConfig struct {
	Retailer  *RetailerAdapterConfig  `json:"retailer,omitempty"`
	Wholesale *WholesaleAdapterConfig `json:"wholesale,omitempty"`
	TariffCard *TariffCardAdapterConfig `json:"tariffCard,omitempty"`
}

type RetailerAdapterConfig struct {
	BaseURL     string `json:"baseURL"`
	SiteID      string `json:"siteID"`
	TokenEnvVar string `json:"tokenEnvVar"`
	Uncertainty string `json:"uncertainty"` // "predicted", "conservative", or "optimistic"
}

type WholesaleAdapterConfig struct {
	BaseURL string `json:"baseURL"`
	Region  string `json:"region"`
}

type TariffCardAdapterConfig struct {
	Preset string `json:"preset"` // a key into tariffpresets.Builtin
}

// PriceStreamConfig configures the streaming price client (spec.md section 4.1).
type PriceStreamConfig struct {
	Endpoint      string `json:"endpoint"`
	SiteID        string `json:"siteID"`
	TokenEnvVar   string `json:"tokenEnvVar"`
}

// SchedulerConfig configures the sync scheduler (spec.md section 4.4).
type SchedulerConfig struct {
	Header    tariff.Header     `json:"header"`
	Modifiers tariff.Modifiers  `json:"modifiers"`
	Timezone  string            `json:"timezone"`
}

// SpikeConfig configures the Spike Manager (spec.md section 4.6).
type SpikeConfig struct {
	Region           string  `json:"region"`
	ThresholdCents   float64 `json:"thresholdCents"`
	SpikeSellCents   float64 `json:"spikeSellCents"`
	SpikeBuyCents    float64 `json:"spikeBuyCents"`
	SpikePeriods     int     `json:"spikePeriods"`

	// UseImbalanceSignal switches the spike source from the configured
	// price adapter to Modo Energy's GB imbalance-price widget, for sites
	// that want spike protection tied to settlement-level imbalance
	// rather than retailer/wholesale forecasts.
	UseImbalanceSignal  bool `json:"useImbalanceSignal"`
	ImbalancePollSecs   int  `json:"imbalancePollSecs"`
}

// ForceModeConfig configures the Force-Mode Manager (spec.md section 4.7).
type ForceModeConfig struct {
	DynamicPricing bool `json:"dynamicPricing"`
}

// CurtailmentConfig configures the Curtailment Controller (spec.md section 4.8).
type CurtailmentConfig struct {
	RestoreSoC        float64 `json:"restoreSoC"`
	ChargeHeadroomSoC float64 `json:"chargeHeadroomSoC"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	InverterHost      string  `json:"inverterHost"`
}

// PlantConfig configures the site's grid-and-solar meter poller (package plant).
type PlantConfig struct {
	ID               uuid.UUID `json:"id"`
	Host             string    `json:"host"`
	Pt1              float64   `json:"pt1"`
	Pt2              float64   `json:"pt2"`
	Ct1              float64   `json:"ct1"`
	Ct2              float64   `json:"ct2"`
	PollIntervalSecs int       `json:"pollIntervalSecs"`
}

// MQTTConfig configures the hostbus MQTT event bridge.
type MQTTConfig struct {
	BrokerURL string `json:"brokerURL"`
	ClientID  string `json:"clientID"`
}

// StateStoreConfig configures the State Store's sqlite file (spec.md section 4.9).
type StateStoreConfig struct {
	Path string `json:"path"`
}

// Config is the complete site configuration.
type Config struct {
	SiteID        uuid.UUID           `json:"siteID"`
	BatteryFacade BatteryFacadeConfig `json:"batteryFacade"`
	PriceAdapters PriceAdapterConfig  `json:"priceAdapters"`
	PriceStream   PriceStreamConfig   `json:"priceStream"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Spike         SpikeConfig         `json:"spike"`
	ForceMode     ForceModeConfig     `json:"forceMode"`
	Curtailment   CurtailmentConfig   `json:"curtailment"`
	Plant         *PlantConfig        `json:"plant,omitempty"`
	MQTT          MQTTConfig          `json:"mqtt"`
	StateStore    StateStoreConfig    `json:"stateStore"`
	AdminAddr     string              `json:"adminAddr"`
}

func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// UncertaintyClass maps the config's string form onto priceadapters.UncertaintyClass.
func (r RetailerAdapterConfig) UncertaintyClass() priceadapters.UncertaintyClass {
	if r.Uncertainty == "" {
		return priceadapters.Predicted
	}
	return priceadapters.UncertaintyClass(r.Uncertainty)
}

// ClockTimePeriodConfig is kept here, not in timeutils, since it's only ever
// used as a config wire type - timeutils.ClockTimePeriod is the runtime type it decodes into.
type ClockTimePeriodConfig struct {
	StartHour   int `json:"startHour"`
	StartMinute int `json:"startMinute"`
	EndHour     int `json:"endHour"`
	EndMinute   int `json:"endMinute"`
}

func (c ClockTimePeriodConfig) ToClockTimePeriod() timeutils.ClockTimePeriod {
	return timeutils.ClockTimePeriod{
		Start: timeutils.ClockTime{Hour: c.StartHour, Minute: c.StartMinute},
		End:   timeutils.ClockTime{Hour: c.EndHour, Minute: c.EndMinute},
	}
}
