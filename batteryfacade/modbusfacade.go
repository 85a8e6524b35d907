package batteryfacade

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	simonvetter "github.com/simonvetter/modbus"

	"github.com/pricesync/controller/modbusaccess"
	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/tariff"
)

// registers for the local battery gateway, grounded in the teacher's
// powerpack register map (config/status/real-power-command blocks).
var (
	regOperationMode  = modbusaccess.Register{StartAddr: 1000, DataType: modbusaccess.Uint16Type}
	regBackupReserve  = modbusaccess.Register{StartAddr: 1004, DataType: modbusaccess.Uint16Type}
	regExportRule     = modbusaccess.Register{StartAddr: 1006, DataType: modbusaccess.Uint16Type}
	regSoC            = modbusaccess.Register{StartAddr: 207, DataType: modbusaccess.Int32Type}
	regBatteryPower   = modbusaccess.Register{StartAddr: 201, DataType: modbusaccess.Int32Type}
	regGridPower      = modbusaccess.Register{StartAddr: 211, DataType: modbusaccess.Int32Type}
	regSolarPower     = modbusaccess.Register{StartAddr: 213, DataType: modbusaccess.Int32Type}
	regLoadPower      = modbusaccess.Register{StartAddr: 215, DataType: modbusaccess.Int32Type}
	regFirmware       = modbusaccess.Register{StartAddr: 102, DataType: modbusaccess.String32Type}
	regNameplateEnergy = modbusaccess.Register{StartAddr: 145, DataType: modbusaccess.Int32Type}
	regNameplatePower  = modbusaccess.Register{StartAddr: 141, DataType: modbusaccess.Int32Type}
)

// regTariffTableStart is the first register of the tariff rate table: one
// uint16 pair (buy, sell) per of the 48 half-hour periods, in PeriodLabels
// order, each rate a fixed-point value in units of 0.01 cents/kWh
// (dollars/kWh * 10000, clamped to uint16 range). Addressed immediately after the config block
// used by the teacher's powerpack register map.
const regTariffTableStart = 2000

// tariffRateScale converts a dollars/kWh rate to the gateway's fixed-point
// register encoding. Values above 6.5535/kWh clamp rather than wrap.
func tariffRateScale(dollarsPerKWh float64) uint16 {
	scaled := dollarsPerKWh * 10000
	if scaled < 0 {
		return 0
	}
	if scaled > 65535 {
		return 65535
	}
	return uint16(scaled)
}

// operationModeCodes maps OperationMode to the gateway's register encoding.
var operationModeCodes = map[OperationMode]uint16{
	ModeAutonomous:      0,
	ModeSelfConsumption: 1,
	ModeBackupOnly:      2,
}

var exportRuleCodes = map[ExportRule]uint16{
	ExportRuleBatteryOK:   0,
	ExportRuleNeverExport: 1,
	ExportRulePVOnly:      2,
}

func reverseOperationMode(code uint16) OperationMode {
	for mode, c := range operationModeCodes {
		if c == code {
			return mode
		}
	}
	return ModeAutonomous
}

func reverseExportRule(code uint16) ExportRule {
	for rule, c := range exportRuleCodes {
		if c == code {
			return rule
		}
	}
	return ExportRuleBatteryOK
}

// Modbus implements Facade over a local Modbus TCP gateway, adapted from
// the teacher's modbus.Client / powerpack.PowerPack pairing: a
// reconnect-on-error subclient wrapped with typed register access.
type Modbus struct {
	host string

	mu              sync.Mutex
	subClient       *simonvetter.ModbusClient
	shouldReconnect bool

	uploadMu sync.Mutex
	logger   *slog.Logger
}

func NewModbus(host string) (*Modbus, error) {
	m := &Modbus{host: host, logger: slog.Default().With("component", "batteryfacade.modbus", "host", host)}
	if err := m.connect(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Modbus) connect() error {
	client, err := simonvetter.NewClient(&simonvetter.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s", m.host),
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create modbus client: %w", err)
	}
	if err := client.Open(); err != nil {
		return fmt.Errorf("open modbus client: %w", err)
	}
	m.subClient = client
	return nil
}

func (m *Modbus) reconnectIfNecessary() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.shouldReconnect {
		return nil
	}
	m.subClient.Close()
	if err := m.connect(); err != nil {
		return err
	}
	m.shouldReconnect = false
	m.logger.Info("reconnected modbus client")
	return nil
}

func (m *Modbus) markDirty() {
	m.mu.Lock()
	m.shouldReconnect = true
	m.mu.Unlock()
}

func (m *Modbus) readRegister(reg modbusaccess.Register) ([]byte, error) {
	if err := m.reconnectIfNecessary(); err != nil {
		return nil, prices.NewError(prices.ErrTransient, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	numRegs := reg.DataLength() / 2
	if reg.DataLength()%2 != 0 {
		numRegs++
	}
	words, err := m.subClient.ReadRegisters(reg.StartAddr, numRegs, simonvetter.HOLDING_REGISTER)
	if err != nil {
		m.shouldReconnect = true
		return nil, prices.NewError(prices.ErrTransient, err)
	}
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	return buf[:reg.DataLength()], nil
}

func (m *Modbus) writeRegister(reg modbusaccess.Register, val uint16) error {
	if err := m.reconnectIfNecessary(); err != nil {
		return prices.NewError(prices.ErrTransient, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.subClient.WriteRegister(reg.StartAddr, val); err != nil {
		m.shouldReconnect = true
		return prices.NewError(prices.ErrTransient, fmt.Errorf("write register %d: %w", reg.StartAddr, err))
	}
	return nil
}

// UploadTariff writes the document's 48 buy/sell rates into the gateway's
// tariff rate table as one contiguous register block, grounded in the same
// register-map idiom as the config/status blocks above.
func (m *Modbus) UploadTariff(ctx context.Context, doc tariff.Document) error {
	values := make([]uint16, 0, tariff.NumPeriods*2)
	for _, label := range tariff.PeriodLabels {
		values = append(values, tariffRateScale(doc.BuyRates[label]), tariffRateScale(doc.SellRates[label]))
	}
	return withRetry(ctx, func(ctx context.Context) error {
		return m.writeRegisterBlock(regTariffTableStart, values)
	})
}

func (m *Modbus) writeRegisterBlock(startAddr uint16, values []uint16) error {
	if err := m.reconnectIfNecessary(); err != nil {
		return prices.NewError(prices.ErrTransient, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.subClient.WriteRegisters(startAddr, values); err != nil {
		m.shouldReconnect = true
		return prices.NewError(prices.ErrTransient, fmt.Errorf("write register block at %d: %w", startAddr, err))
	}
	return nil
}

func (m *Modbus) GetSiteInfo(ctx context.Context) (SiteInfo, error) {
	fw, err := m.readRegister(regFirmware)
	if err != nil {
		return SiteInfo{}, err
	}
	energyRaw, err := m.readRegister(regNameplateEnergy)
	if err != nil {
		return SiteInfo{}, err
	}
	powerRaw, err := m.readRegister(regNameplatePower)
	if err != nil {
		return SiteInfo{}, err
	}
	modeRaw, err := m.readRegister(regOperationMode)
	if err != nil {
		return SiteInfo{}, err
	}
	reserveRaw, err := m.readRegister(regBackupReserve)
	if err != nil {
		return SiteInfo{}, err
	}
	exportRaw, err := m.readRegister(regExportRule)
	if err != nil {
		return SiteInfo{}, err
	}
	return SiteInfo{
		FirmwareVersion: regFirmware.DataType.FromBytes(fw).(string),
		NameplateEnergy: float64(int32FromBytes(energyRaw)) / 1000.0,
		NameplatePower:  float64(int32FromBytes(powerRaw)) / 1000.0,
		OperationMode:   reverseOperationMode(binary.BigEndian.Uint16(modeRaw)),
		BackupReserve:   float64(binary.BigEndian.Uint16(reserveRaw)) / 100,
		ExportRule:      reverseExportRule(binary.BigEndian.Uint16(exportRaw)),
	}, nil
}

func (m *Modbus) SetOperationMode(ctx context.Context, mode OperationMode) error {
	code, ok := operationModeCodes[mode]
	if !ok {
		return prices.NewError(prices.ErrPermanent, fmt.Errorf("unknown operation mode %q", mode))
	}
	return withRetry(ctx, func(ctx context.Context) error {
		return m.writeRegister(regOperationMode, code)
	})
}

// SetSelfConsumptionMode is a thin forward onto SetOperationMode: the
// gateway has no separate self-consumption register.
func (m *Modbus) SetSelfConsumptionMode(ctx context.Context) error {
	return m.SetOperationMode(ctx, ModeSelfConsumption)
}

func (m *Modbus) SetBackupReserve(ctx context.Context, reserve float64) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return m.writeRegister(regBackupReserve, uint16(reserve*100))
	})
}

func (m *Modbus) SetExportRule(ctx context.Context, rule ExportRule) (SetExportRuleResult, error) {
	m.uploadMu.Lock()
	defer m.uploadMu.Unlock()

	code, ok := exportRuleCodes[rule]
	if !ok {
		return SetExportRuleResult{}, prices.NewError(prices.ErrPermanent, fmt.Errorf("unknown export rule %q", rule))
	}
	if err := withRetry(ctx, func(ctx context.Context) error {
		return m.writeRegister(regExportRule, code)
	}); err != nil {
		return SetExportRuleResult{}, err
	}

	raw, err := m.readRegister(regExportRule)
	if err != nil {
		m.logger.Warn("export rule read-back failed", "error", err)
		return SetExportRuleResult{Verified: false, Applied: rule}, nil
	}
	readBack := binary.BigEndian.Uint16(raw)
	return SetExportRuleResult{Verified: readBack == code, Applied: rule}, nil
}

func (m *Modbus) GetLiveStatus(ctx context.Context) (LiveStatus, error) {
	soc, err := m.readRegister(regSoC)
	if err != nil {
		return LiveStatus{}, err
	}
	batt, err := m.readRegister(regBatteryPower)
	if err != nil {
		return LiveStatus{}, err
	}
	grid, err := m.readRegister(regGridPower)
	if err != nil {
		return LiveStatus{}, err
	}
	solar, err := m.readRegister(regSolarPower)
	if err != nil {
		return LiveStatus{}, err
	}
	load, err := m.readRegister(regLoadPower)
	if err != nil {
		return LiveStatus{}, err
	}
	return LiveStatus{
		Timestamp:     time.Now(),
		SoC:           float64(int32FromBytes(soc)) / 1000.0 / 100.0,
		BatteryPowerW: float64(int32FromBytes(batt)),
		GridPowerW:    float64(int32FromBytes(grid)),
		SolarPowerW:   float64(int32FromBytes(solar)),
		LoadPowerW:    float64(int32FromBytes(load)),
	}, nil
}

func int32FromBytes(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}
