// Package statestore implements the versioned key/value persistence
// abstraction of spec.md section 4.9: cached export rule, battery health,
// force-mode snapshot, manual export override, and inverter state survive
// a process restart here. It is adapted from the teacher's
// repository.Repository - same gorm+sqlite single-writer idiom - but the
// schema is a generic per-key JSON document instead of a buffered
// telemetry queue, since this spec puts long-term session history out of
// scope (spec.md section 1).
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Well-known keys, per spec.md section 4.9 and section 6's persisted-state document.
const (
	KeyCachedExportRule     = "cached_export_rule"
	KeyBatteryHealth        = "battery_health"
	KeyForceModeState       = "force_mode_state"
	KeyManualExportOverride = "manual_export_override"
	KeyInverterLastState    = "inverter_last_state"
	KeyInverterPowerLimitW  = "inverter_power_limit_w"
)

// row is the on-disk representation of a single key: a JSON-encoded
// value, a version counter, and a last-write timestamp. Unknown keys are
// preserved on write - gorm only ever touches the row for the key it was asked about.
type row struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	Version   uint
	UpdatedAt time.Time
}

// Store is a single-writer, per-key-atomic key/value persistence layer.
// Concurrent writers never lose another key's update because each Put
// is a single-row transaction guarded by an in-process mutex matching
// the teacher's repository.Repository single-*gorm.DB-instance pattern.
type Store struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

func New(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, logger: slog.Default().With("component", "statestore")}, nil
}

// Put atomically writes value (JSON-marshaled) under key, bumping its version.
func (s *Store) Put(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for key %q: %w", key, err)
	}

	var existing row
	result := s.db.First(&existing, "key = ?", key)
	version := uint(1)
	if result.Error == nil {
		version = existing.Version + 1
	} else if result.Error != gorm.ErrRecordNotFound {
		return fmt.Errorf("read key %q: %w", key, result.Error)
	}

	r := row{Key: key, Value: string(encoded), Version: version, UpdatedAt: time.Now()}
	return s.db.Save(&r).Error
}

// Get reads key into out (via json.Unmarshal), returning found=false if
// the key has never been written. A corrupted (unparseable) value is
// treated as a state-corruption error per spec.md section 7: the
// offending row is dropped so the system boots clean next time, and the
// error is returned for the caller to log as an alert.
func (s *Store) Get(key string, out interface{}) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r row
	result := s.db.First(&r, "key = ?", key)
	if result.Error == gorm.ErrRecordNotFound {
		return false, nil
	}
	if result.Error != nil {
		return false, fmt.Errorf("read key %q: %w", key, result.Error)
	}

	if err := json.Unmarshal([]byte(r.Value), out); err != nil {
		s.logger.Error("persisted state corrupted, resetting key", "key", key, "error", err)
		s.db.Delete(&row{}, "key = ?", key)
		return false, fmt.Errorf("corrupted value for key %q: %w", key, err)
	}
	return true, nil
}

// Delete clears a key, used by force-mode restore and export-rule override removal.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(&row{}, "key = ?", key).Error
}
