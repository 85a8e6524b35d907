// Package prices defines the canonical price data model shared by the
// stream client, adapters, transformer and scheduler.
package prices

import "time"

// Channel is the direction of energy flow, measured against the consumer.
type Channel string

const (
	Import Channel = "import"
	Export Channel = "export"
)

// Kind tags how authoritative a PricePoint is. Settled beats current beats
// forecast when multiple points cover the same slot.
type Kind string

const (
	Settled  Kind = "settled"
	Current  Kind = "current"
	Forecast Kind = "forecast"
)

// kindRank gives the precedence order used when two points cover the same
// period slot: higher rank wins.
var kindRank = map[Kind]int{
	Forecast: 0,
	Current:  1,
	Settled:  2,
}

// Outranks returns true if k should replace other when both cover the same slot.
func (k Kind) Outranks(other Kind) bool {
	return kindRank[k] >= kindRank[other]
}

// PricePoint is a half-open time-interval price record. Per-kWh values are
// signed cents: positive import means the consumer pays; positive export
// means the consumer pays to export; negative export means the consumer is
// paid.
type PricePoint struct {
	Start        time.Time
	End          time.Time
	Channel      Channel
	PerKWhCents  float64
	Kind         Kind
	WholesaleCents *float64
	Region       string
}

// Duration returns End-Start.
func (p PricePoint) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// PriceSnapshot is the most recent known price for the current interval, keyed by channel.
type PriceSnapshot struct {
	Import PricePoint
	Export PricePoint
}

// HasImport and HasExport report whether the respective point has been populated.
func (s PriceSnapshot) HasImport() bool { return !s.Import.Start.IsZero() }
func (s PriceSnapshot) HasExport() bool { return !s.Export.Start.IsZero() }

// DiffExceeds reports whether the snapshot differs from other by more than
// thresholdCents in either channel, per spec.md's price-change comparison:
// abs(new.import-last.import) > threshold || abs(new.export-last.export) > threshold.
func (s PriceSnapshot) DiffExceeds(other PriceSnapshot, thresholdCents float64) bool {
	return absDiff(s.Import.PerKWhCents, other.Import.PerKWhCents) > thresholdCents ||
		absDiff(s.Export.PerKWhCents, other.Export.PerKWhCents) > thresholdCents
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// ErrKind classifies failures at I/O boundaries, per the error taxonomy in spec.md section 7.
type ErrKind string

const (
	ErrTransient     ErrKind = "transient_transport" // network timeout, 5xx: retry eligible
	ErrPermanent     ErrKind = "permanent_client"     // 4xx, auth: terminal for this invocation
	ErrDataAbsent    ErrKind = "data_absent"           // adapter returned no forecast
	ErrVerification  ErrKind = "verification_failed"   // read-back disagreed with write
	ErrStateCorrupt  ErrKind = "state_corruption"       // persisted document failed to parse
	ErrUserCritical  ErrKind = "user_facing_critical"    // failed to restore operation mode
)

// Error wraps an underlying error with a classification used to decide retry/propagation behavior.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the given kind.
func NewError(kind ErrKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
