// Package batteryfacade provides a single Facade interface over the
// battery's various control surfaces - an HTTP/JSON cloud API, a local
// Modbus gateway, or a proprietary cloud RPC channel - so the scheduler,
// spike manager, force-mode manager and curtailment controller never need
// to know which transport a given site uses. It generalizes the
// teacher's tesla.PowerPack / powerpack.PowerPack split into a common
// contract, per spec.md section 4.5.
package batteryfacade

import (
	"context"
	"time"

	"github.com/pricesync/controller/tariff"
)

// OperationMode selects the battery's autonomous control behaviour.
type OperationMode string

const (
	ModeAutonomous      OperationMode = "autonomous"
	ModeSelfConsumption OperationMode = "self_consumption"
	ModeBackupOnly      OperationMode = "backup_only"
)

// ExportRule governs whether and how the battery is allowed to export to the grid.
type ExportRule string

const (
	ExportRuleBatteryOK   ExportRule = "battery_ok"
	ExportRuleNeverExport ExportRule = "never_export"
	ExportRulePVOnly      ExportRule = "pv_only"
)

// SiteInfo describes the battery installation's static facts plus its
// current operating configuration, per spec.md section 4.5's
// get_site_info contract.
type SiteInfo struct {
	SiteID          string
	NameplateEnergy float64 // kWh
	NameplatePower  float64 // kW
	FirmwareVersion string
	OperationMode   OperationMode
	BackupReserve   float64 // fraction, 0.0-1.0
	ExportRule      ExportRule
	Timezone        string
}

// LiveStatus is a point-in-time read of the battery's operating state.
type LiveStatus struct {
	Timestamp    time.Time
	SoC          float64 // 0.0-1.0
	BatteryPowerW float64 // positive = discharging
	GridPowerW    float64 // positive = importing
	SolarPowerW   float64
	LoadPowerW    float64
	OperationMode OperationMode
}

// SetExportRuleResult reports whether the facade could confirm the rule
// took effect. When Verified is false the caller should treat the new
// rule as unconfirmed - per spec.md section 4.5's read-back rule - and
// keep retrying rather than trusting the local cache.
type SetExportRuleResult struct {
	Verified bool
	Applied  ExportRule
}

// Facade is the common surface every battery transport implementation must provide.
type Facade interface {
	// UploadTariff pushes a tariff document to the battery so its own
	// optimizer can price-arbitrage independently of this controller.
	UploadTariff(ctx context.Context, doc tariff.Document) error

	GetSiteInfo(ctx context.Context) (SiteInfo, error)

	SetOperationMode(ctx context.Context, mode OperationMode) error

	// SetSelfConsumptionMode holds the battery on self-consumption control
	// without disturbing whatever tariff is currently saved - used by the
	// Force-Mode Manager's restore as its first step, distinct from a full
	// RestoreNormal because it makes no assertion about the saved tariff or
	// backup reserve.
	SetSelfConsumptionMode(ctx context.Context) error

	// SetBackupReserve sets the minimum state of charge, as a fraction (0.0-1.0), the battery will protect.
	SetBackupReserve(ctx context.Context, reserve float64) error

	SetExportRule(ctx context.Context, rule ExportRule) (SetExportRuleResult, error)

	GetLiveStatus(ctx context.Context) (LiveStatus, error)
}
