// Command controller is the process entrypoint that wires every component
// of the price-sync core together for a single site: price adapters and
// stream client, tariff scheduler, battery facade, spike manager,
// force-mode manager, curtailment controller, state store, host bus and
// the loopback admin API controlcli talks to. It follows the teacher's
// old main.go shape - flag for config path, signal-based context
// cancellation, one goroutine per long-running component - generalized
// from powerpack/meter/controller wiring to this spec's components.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/config"
	"github.com/pricesync/controller/curtailment"
	"github.com/pricesync/controller/forcemode"
	"github.com/pricesync/controller/hostbus"
	"github.com/pricesync/controller/inverter"
	"github.com/pricesync/controller/modo"
	"github.com/pricesync/controller/notify"
	"github.com/pricesync/controller/plant"
	"github.com/pricesync/controller/priceadapters"
	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/pricestream"
	"github.com/pricesync/controller/redact"
	"github.com/pricesync/controller/scheduler"
	"github.com/pricesync/controller/spike"
	"github.com/pricesync/controller/statestore"
	"github.com/pricesync/controller/tariff"
	"github.com/pricesync/controller/tariffpresets"
)

func main() {
	var configFilePath, envFilePath string
	flag.StringVar(&configFilePath, "f", "./config.json", "Specify config file path")
	flag.StringVar(&envFilePath, "env", ".env", "Specify .env file path for credentials")
	flag.Parse()

	if err := godotenv.Load(envFilePath); err != nil {
		slog.Warn("no .env file loaded", "path", envFilePath, "error", err)
	}

	logger := slog.New(redact.NewHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	slog.SetDefault(logger)

	slog.Info("Starting", "config_file", configFilePath)

	cfg, err := config.Read(configFilePath)
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("controller exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	siteID := cfg.SiteID.String()

	timezone, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Scheduler.Timezone, err)
	}

	store, err := statestore.New(cfg.StateStore.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	facade, err := buildFacade(cfg.BatteryFacade)
	if err != nil {
		return fmt.Errorf("build battery facade: %w", err)
	}

	forecastAdapter, restAdapter, wholesaleAdapter, err := buildAdapters(cfg.PriceAdapters, timezone)
	if err != nil {
		return fmt.Errorf("build price adapters: %w", err)
	}

	stream := pricestream.New(cfg.PriceStream.Endpoint, cfg.PriceStream.SiteID, envTokenFn(cfg.PriceStream.TokenEnvVar))

	notifier := notify.NewLogNotifier()
	bus := hostbus.New(siteID)

	if cfg.MQTT.BrokerURL != "" {
		opts := mqtt.NewClientOptions().AddBroker(cfg.MQTT.BrokerURL).SetClientID(cfg.MQTT.ClientID)
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			slog.Error("failed to connect to mqtt broker", "error", token.Error())
		} else {
			bus.SetMQTTClient(client)
		}
	}

	var sched *scheduler.Scheduler
	forceMode := forcemode.New(forcemode.Config{
		Facade:         facade,
		Store:          store,
		Notifier:       notifier,
		Dispatch:       bus.Publish,
		DynamicPricing: cfg.ForceMode.DynamicPricing,
		SyncNow:        func(ctx context.Context) error { return sched.SyncNow(ctx) },
		CurrentTariff:  func() *tariff.Document { return sched.LastUploaded() },
	})

	spikeSource := wholesaleAdapter
	if spikeSource == nil {
		spikeSource = forecastAdapter
	}
	if cfg.Spike.UseImbalanceSignal {
		modoClient := modo.New(http.Client{Timeout: 10 * time.Second})
		pollSecs := cfg.Spike.ImbalancePollSecs
		if pollSecs == 0 {
			pollSecs = 30
		}
		go func() {
			if err := modoClient.Run(ctx, time.Duration(pollSecs)*time.Second); err != nil && ctx.Err() == nil {
				slog.Error("modo imbalance poller stopped", "error", err)
			}
		}()
		spikeSource = priceadapters.NewImbalanceAdapter(modoClient, cfg.Spike.Region)
	}
	spikeMgr := spike.New(spikeSource, facade, notifier, spike.Config{
		Region:         cfg.Spike.Region,
		ThresholdCents: cfg.Spike.ThresholdCents,
		SpikeSellCents: cfg.Spike.SpikeSellCents,
		SpikeBuyCents:  cfg.Spike.SpikeBuyCents,
		SpikePeriods:   cfg.Spike.SpikePeriods,
	}, func() *tariff.Document {
		if sched == nil {
			return nil
		}
		return sched.LastUploaded()
	})

	sched = scheduler.New(scheduler.Config{
		ForecastAdapter: forecastAdapter,
		RESTAdapter:     restAdapter,
		Stream:          stream,
		Facade:          facade,
		Header:          cfg.Scheduler.Header,
		Modifiers:       cfg.Scheduler.Modifiers,
		Timezone:        timezone,
		Suppression: scheduler.Suppression{
			ForceModeActive: forceMode.Active,
			SpikeModeActive: func() bool { return spikeMgr.State() == spike.InSpike },
		},
		PostUpload: scheduler.PostUpload{
			OnUpload: func(doc tariff.Document) {
				bus.Publish("tariff_updated", map[string]interface{}{"name": doc.Header.Name})
			},
		},
	})

	var inverterCtrl *inverter.Controller
	if cfg.Curtailment.InverterHost != "" {
		inverterCtrl, err = inverter.New(cfg.Curtailment.InverterHost)
		if err != nil {
			slog.Error("failed to connect to inverter, curtailment inverter control disabled", "error", err)
		}
	}

	curtailCtrl := curtailment.New(curtailment.Config{
		Facade:            facade,
		Inverter:          inverterController(inverterCtrl),
		Store:             store,
		RestoreSoC:        cfg.Curtailment.RestoreSoC,
		ChargeHeadroomSoC: cfg.Curtailment.ChargeHeadroomSoC,
		Latitude:          cfg.Curtailment.Latitude,
		Longitude:         cfg.Curtailment.Longitude,
		OnUpdate: func(rule batteryfacade.ExportRule, curtailed bool, limitW float64) {
			bus.Publish("curtailment_updated", map[string]interface{}{
				"exportRule":        string(rule),
				"inverterCurtailed": curtailed,
				"inverterLimitW":    limitW,
			})
		},
	})

	stream.Subscribe(func(snap prices.PriceSnapshot) {
		go func() {
			live, err := facade.GetLiveStatus(ctx)
			if err != nil {
				slog.Warn("curtailment stream update skipped: could not read live status", "error", err)
				return
			}
			curtailCtrl.EvaluateNow(ctx, curtailment.Evaluate{
				ExportPriceCents: -snap.Export.PerKWhCents,
				ImportPriceCents: snap.Import.PerKWhCents,
				Live:             live,
			})
		}()
	})

	var plantMeter *plant.Meter
	if cfg.Plant != nil {
		plantMeter, err = plant.New(cfg.Plant.ID, cfg.Plant.Host, cfg.Plant.Pt1, cfg.Plant.Pt2, cfg.Plant.Ct1, cfg.Plant.Ct2)
		if err != nil {
			slog.Error("failed to connect to site meter, falling back to battery facade telemetry", "error", err)
			plantMeter = nil
		}
	}

	registerServices(bus, sched, forceMode, facade, curtailCtrl, inverterCtrl, store)

	if err := forceMode.Restart(ctx); err != nil {
		slog.Error("force-mode restart failed", "error", err)
	}

	go runStreamSupervisor(ctx, stream)
	go sched.Run(ctx)
	go spikeMgr.Run(ctx)
	go curtailCtrl.Run(ctx, curtailmentInputs(facade, forecastAdapter, plantMeter))
	if plantMeter != nil {
		go plantMeter.Run(ctx, time.Duration(cfg.Plant.PollIntervalSecs)*time.Second)
		go drainPlantReadings(ctx, plantMeter)
	}

	srv := &http.Server{Addr: adminAddr(cfg.AdminAddr), Handler: adminMux(bus)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("controller ready", "admin_addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func adminAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:8732"
	}
	return addr
}

// drainPlantReadings exists only to keep the site meter's channel drained
// when curtailmentInputs instead reads live status straight off the
// facade; a future site that trusts the meter's grid/solar reading more
// than the battery's own telemetry can splice plantMeter.Readings into
// curtailmentInputs instead.
func drainPlantReadings(ctx context.Context, m *plant.Meter) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.Readings:
		}
	}
}

func inverterController(c *inverter.Controller) curtailment.InverterController {
	if c == nil {
		return nil
	}
	return c
}

func curtailmentInputs(facade batteryfacade.Facade, priceSrc priceadapters.Adapter, _ *plant.Meter) curtailment.Inputs {
	return func(ctx context.Context) (curtailment.Evaluate, error) {
		live, err := facade.GetLiveStatus(ctx)
		if err != nil {
			return curtailment.Evaluate{}, fmt.Errorf("get live status: %w", err)
		}
		snap, err := priceSrc.Current(ctx)
		if err != nil {
			return curtailment.Evaluate{}, fmt.Errorf("get current price: %w", err)
		}
		return curtailment.Evaluate{
			ExportPriceCents: -snap.Export.PerKWhCents,
			ImportPriceCents: snap.Import.PerKWhCents,
			Live:             live,
		}, nil
	}
}

func runStreamSupervisor(ctx context.Context, stream *pricestream.Client) {
	done := make(chan struct{})
	started := false
	start := func() {
		started = true
		done = make(chan struct{})
		go func() {
			stream.Run(ctx)
			close(done)
		}()
	}
	isAlive := func() bool {
		if !started {
			return false
		}
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	stream.EnsureRunning(isAlive, start)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stream.EnsureRunning(isAlive, start)
		}
	}
}

func buildFacade(cfg config.BatteryFacadeConfig) (batteryfacade.Facade, error) {
	switch {
	case cfg.HTTPJSON != nil:
		return batteryfacade.NewHTTPJSON(cfg.HTTPJSON.BaseURL, cfg.HTTPJSON.SiteID, envTokenFn(cfg.HTTPJSON.TokenEnvVar)), nil
	case cfg.Modbus != nil:
		return batteryfacade.NewModbus(cfg.Modbus.Host)
	default:
		return nil, fmt.Errorf("no battery facade transport configured")
	}
}

func buildAdapters(cfg config.PriceAdapterConfig, timezone *time.Location) (forecast, rest, wholesale priceadapters.Adapter, err error) {
	httpClient := http.Client{Timeout: 15 * time.Second}

	var wholesaleAdapter *priceadapters.WholesaleAdapter
	if cfg.Wholesale != nil {
		wholesaleAdapter = priceadapters.NewWholesaleAdapter(httpClient, cfg.Wholesale.BaseURL, cfg.Wholesale.Region)
	}

	switch {
	case cfg.Retailer != nil:
		a := priceadapters.NewRetailerAdapter(httpClient, cfg.Retailer.BaseURL, cfg.Retailer.SiteID, envTokenFn(cfg.Retailer.TokenEnvVar), cfg.Retailer.UncertaintyClass())
		return a, a, wholesaleAdapterOrNil(wholesaleAdapter), nil
	case cfg.Wholesale != nil:
		return wholesaleAdapter, wholesaleAdapter, wholesaleAdapter, nil
	case cfg.TariffCard != nil:
		preset, ok := tariffpresets.Builtin[cfg.TariffCard.Preset]
		if !ok {
			return nil, nil, nil, fmt.Errorf("unknown tariff preset %q", cfg.TariffCard.Preset)
		}
		a := priceadapters.NewTariffCardAdapter(preset, timezone)
		return a, a, wholesaleAdapterOrNil(wholesaleAdapter), nil
	default:
		return nil, nil, nil, fmt.Errorf("no price adapter configured")
	}
}

func wholesaleAdapterOrNil(a *priceadapters.WholesaleAdapter) priceadapters.Adapter {
	if a == nil {
		return nil
	}
	return a
}

func envTokenFn(envVar string) func() string {
	return func() string {
		if envVar == "" {
			return ""
		}
		return os.Getenv(envVar)
	}
}

// registerServices wires every spec.md section 6 Service onto the host bus.
func registerServices(bus *hostbus.Bus, sched *scheduler.Scheduler, forceMode *forcemode.Manager, facade batteryfacade.Facade, curtail *curtailment.Controller, inv *inverter.Controller, store *statestore.Store) {
	bus.RegisterService("sync_now", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, sched.SyncNow(ctx)
	})
	bus.RegisterService("sync_tou", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, sched.SyncNow(ctx)
	})
	bus.RegisterService("force_charge", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		d, err := parseDuration(params)
		if err != nil {
			return nil, err
		}
		return nil, forceMode.ForceCharge(ctx, d)
	})
	bus.RegisterService("force_discharge", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		d, err := parseDuration(params)
		if err != nil {
			return nil, err
		}
		return nil, forceMode.ForceDischarge(ctx, d)
	})
	bus.RegisterService("restore_normal", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, forceMode.RestoreNormal(ctx)
	})
	bus.RegisterService("set_backup_reserve", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		pct, ok := params["percent"].(float64)
		if !ok {
			return nil, fmt.Errorf("missing or invalid 'percent' parameter")
		}
		return nil, facade.SetBackupReserve(ctx, pct/100)
	})
	bus.RegisterService("set_operation_mode", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		mode, _ := params["mode"].(string)
		return nil, facade.SetOperationMode(ctx, batteryfacade.OperationMode(mode))
	})
	bus.RegisterService("set_grid_export", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		rule, _ := params["rule"].(string)
		result, err := facade.SetExportRule(ctx, batteryfacade.ExportRule(rule))
		return result, err
	})
	bus.RegisterService("set_grid_charging", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		enabled, _ := params["enabled"].(string)
		if enabled == "false" {
			return nil, facade.SetOperationMode(ctx, batteryfacade.ModeSelfConsumption)
		}
		return nil, facade.SetOperationMode(ctx, batteryfacade.ModeAutonomous)
	})
	bus.RegisterService("curtail_inverter", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		rule, _ := params["mode"].(string)
		return nil, curtail.SetManualOverride(batteryfacade.ExportRule(rule))
	})
	bus.RegisterService("restore_inverter", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, curtail.ClearManualOverride()
	})
	bus.RegisterService("sync_battery_health", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, store.Put(statestore.KeyBatteryHealth, params)
	})
	bus.RegisterService("get_calendar_history", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		// Calendar history is persisted by the out-of-scope data platform
		// collaborator (spec.md section 1's "persistence of long-term
		// session history" non-goal); this surfaces whatever the state
		// store still holds locally rather than querying it.
		var health map[string]interface{}
		_, _ = store.Get(statestore.KeyBatteryHealth, &health)
		return map[string]interface{}{"battery_health": health}, nil
	})
}

func parseDuration(params map[string]interface{}) (time.Duration, error) {
	raw, ok := params["duration"].(string)
	if !ok || raw == "" {
		return 0, fmt.Errorf("missing 'duration' parameter")
	}
	return time.ParseDuration(raw)
}

// adminMux serves the loopback admin API controlcli talks to: one POST
// endpoint per registered Service.
func adminMux(bus *hostbus.Bus) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Path[len("/services/"):]
		var params map[string]interface{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
				http.Error(w, fmt.Sprintf("decode params: %v", err), http.StatusBadRequest)
				return
			}
		}
		out, err := bus.Invoke(r.Context(), name, params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}
