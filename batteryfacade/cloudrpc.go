package batteryfacade

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/tariff"
)

// RPCTransport is the wire-level dependency CloudRPC needs: a single
// call/response round trip against the manufacturer's private RPC
// channel. Each manufacturer's SDK shapes this differently, so the
// concrete transport is supplied by the caller rather than fixed here.
type RPCTransport interface {
	Call(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error)
}

// CloudRPC implements Facade over a manufacturer's proprietary RPC
// channel, for gateways that expose neither a documented HTTP/JSON API
// nor Modbus registers.
type CloudRPC struct {
	transport RPCTransport
	deviceID  uuid.UUID

	uploadMu sync.Mutex
}

func NewCloudRPC(transport RPCTransport, deviceID uuid.UUID) *CloudRPC {
	return &CloudRPC{transport: transport, deviceID: deviceID}
}

func (c *CloudRPC) UploadTariff(ctx context.Context, doc tariff.Document) error {
	c.uploadMu.Lock()
	defer c.uploadMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	return withRetry(ctx, func(ctx context.Context) error {
		_, err := c.transport.Call(ctx, "tariff.upload", map[string]interface{}{
			"device_id": c.deviceID.String(),
			"buy_rates": doc.BuyRates,
			"sell_rates": doc.SellRates,
		})
		return classifyRPCErr(err)
	})
}

func (c *CloudRPC) GetSiteInfo(ctx context.Context) (SiteInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := c.transport.Call(ctx, "site.info", map[string]interface{}{"device_id": c.deviceID.String()})
	if err != nil {
		return SiteInfo{}, classifyRPCErr(err)
	}
	return SiteInfo{
		SiteID:          c.deviceID.String(),
		NameplateEnergy: toFloat(resp["nameplate_energy"]),
		NameplatePower:  toFloat(resp["nameplate_power"]),
		FirmwareVersion: toString(resp["firmware_version"]),
		OperationMode:   OperationMode(toString(resp["operation_mode"])),
		BackupReserve:   toFloat(resp["backup_reserve_percent"]) / 100,
		ExportRule:      ExportRule(toString(resp["export_rule"])),
	}, nil
}

func (c *CloudRPC) SetOperationMode(ctx context.Context, mode OperationMode) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := c.transport.Call(ctx, "operation.set_mode", map[string]interface{}{
			"device_id": c.deviceID.String(),
			"mode":      string(mode),
		})
		return classifyRPCErr(err)
	})
}

// SetSelfConsumptionMode is a thin forward onto SetOperationMode: the
// proprietary RPC channel has no separate self-consumption call.
func (c *CloudRPC) SetSelfConsumptionMode(ctx context.Context) error {
	return c.SetOperationMode(ctx, ModeSelfConsumption)
}

func (c *CloudRPC) SetBackupReserve(ctx context.Context, reserve float64) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := c.transport.Call(ctx, "operation.set_backup_reserve", map[string]interface{}{
			"device_id": c.deviceID.String(),
			"reserve_percent": reserve * 100,
		})
		return classifyRPCErr(err)
	})
}

func (c *CloudRPC) SetExportRule(ctx context.Context, rule ExportRule) (SetExportRuleResult, error) {
	c.uploadMu.Lock()
	defer c.uploadMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := c.transport.Call(ctx, "operation.set_export_rule", map[string]interface{}{
			"device_id": c.deviceID.String(),
			"rule":      string(rule),
		})
		return classifyRPCErr(err)
	})
	if err != nil {
		return SetExportRuleResult{}, err
	}

	resp, err := c.transport.Call(ctx, "operation.get_export_rule", map[string]interface{}{"device_id": c.deviceID.String()})
	if err != nil {
		return SetExportRuleResult{Verified: false, Applied: rule}, nil
	}
	applied := ExportRule(toString(resp["rule"]))
	return SetExportRuleResult{Verified: applied == rule, Applied: applied}, nil
}

func (c *CloudRPC) GetLiveStatus(ctx context.Context) (LiveStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := c.transport.Call(ctx, "status.live", map[string]interface{}{"device_id": c.deviceID.String()})
	if err != nil {
		return LiveStatus{}, classifyRPCErr(err)
	}
	return LiveStatus{
		Timestamp:     time.Now(),
		SoC:           toFloat(resp["soc"]),
		BatteryPowerW: toFloat(resp["battery_power_w"]),
		GridPowerW:    toFloat(resp["grid_power_w"]),
		SolarPowerW:   toFloat(resp["solar_power_w"]),
		LoadPowerW:    toFloat(resp["load_power_w"]),
		OperationMode: OperationMode(toString(resp["mode"])),
	}, nil
}

func classifyRPCErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*prices.Error); ok {
		return err
	}
	return prices.NewError(prices.ErrTransient, err)
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
