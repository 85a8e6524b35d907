// Package scheduler implements the four-stage sync scheduler described in
// spec.md section 4.4: the periodic state machine that reconciles
// forecast, streamed, and settled prices into a single tariff upload per
// 5-minute period. It generalizes the teacher's ticker/select Run-loop
// (axlemgr.AxleMgr.Run, modo.Client.Run) into a four-trigger scheduler.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pricesync/controller/batteryfacade"
	"github.com/pricesync/controller/clock"
	"github.com/pricesync/controller/prices"
	"github.com/pricesync/controller/priceadapters"
	"github.com/pricesync/controller/tariff"
)

const priceChangeThresholdCents = 0.5

// periodState tracks progress through the four stages for one 5-minute period.
type periodState struct {
	periodStart       time.Time
	stage1Done        bool
	websocketReceived bool
	lastSyncedPrices  *prices.PriceSnapshot
	lastSyncAt        time.Time
}

// Suppression reports conditions that should block an upload entirely, per spec.md section 4.4.
type Suppression struct {
	ForceModeActive   func() bool
	SpikeModeActive   func() bool
	TariffCardOnly    bool
	SettledPricesOnly bool
	AutoSyncDisabled  bool
}

func (s Suppression) activeFor(stage int) bool {
	if s.ForceModeActive != nil && s.ForceModeActive() {
		return true
	}
	if s.SpikeModeActive != nil && s.SpikeModeActive() {
		return true
	}
	if s.TariffCardOnly {
		return true
	}
	if s.SettledPricesOnly && (stage == 1 || stage == 2) {
		return true
	}
	if stage == 1 && s.AutoSyncDisabled {
		return true
	}
	return false
}

// StreamSource is the subset of pricestream.Client the scheduler depends on.
type StreamSource interface {
	Subscribe(fn func(prices.PriceSnapshot))
}

// PostUpload covers the two post-upload hooks described in spec.md section
// 4.4: demand-window grid-charging reassertion, and an optional
// operation-mode toggle to force the battery to re-read its tariff.
type PostUpload struct {
	// ReassertGridCharging is called after every successful upload while a demand window is active.
	ReassertGridCharging func(ctx context.Context) error
	// ToggleOperationMode, if non-nil, briefly flips self_consumption ->
	// autonomous -> back, with read-back verification, to force a tariff re-read.
	ToggleOperationMode func(ctx context.Context, facade batteryfacade.Facade) error
	// OnUpload, if non-nil, is called after every successful upload - used
	// to fire the hostbus "tariff_updated" event (spec.md section 6).
	OnUpload func(doc tariff.Document)
}

// Scheduler drives the four-stage sync loop for a single site.
type Scheduler struct {
	forecastAdapter priceadapters.Adapter
	restAdapter     priceadapters.Adapter // used by stage3/stage4 REST fallback poll
	stream          StreamSource

	facade     batteryfacade.Facade
	header     tariff.Header
	modifiers  tariff.Modifiers
	timezone   *time.Location

	suppression Suppression
	postUpload  PostUpload

	mu            sync.Mutex
	state         periodState
	lastUploaded  *tariff.Document

	streamEvents chan prices.PriceSnapshot
	logger       *slog.Logger
}

// Config bundles the dependencies needed to build a Scheduler.
type Config struct {
	ForecastAdapter priceadapters.Adapter
	RESTAdapter     priceadapters.Adapter
	Stream          StreamSource
	Facade          batteryfacade.Facade
	Header          tariff.Header
	Modifiers       tariff.Modifiers
	Timezone        *time.Location
	Suppression     Suppression
	PostUpload      PostUpload
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		forecastAdapter: cfg.ForecastAdapter,
		restAdapter:     cfg.RESTAdapter,
		stream:          cfg.Stream,
		facade:          cfg.Facade,
		header:          cfg.Header,
		modifiers:       cfg.Modifiers,
		timezone:        cfg.Timezone,
		suppression:     cfg.Suppression,
		postUpload:      cfg.PostUpload,
		streamEvents:    make(chan prices.PriceSnapshot, 8),
		logger:          slog.Default().With("component", "scheduler"),
	}
	if s.stream != nil {
		s.stream.Subscribe(func(snap prices.PriceSnapshot) {
			select {
			case s.streamEvents <- snap:
			default:
				s.logger.Warn("stream event dropped, scheduler channel full")
			}
		})
	}
	return s
}

// Run drives stage1/stage3/stage4 recurring timers and the stage2
// event-driven path until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		period := clock.FloorToInterval(clock.Now(), 5*time.Minute)
		nextPeriod := period.Add(5 * time.Minute)
		s.rolloverIfNeeded(period)

		if err := s.waitUntil(ctx, period); err != nil {
			return
		}
		s.runStage(ctx, 1, s.doStage1)

		stage3Timer := time.NewTimer(timeUntil(period.Add(35 * time.Second)))
		stage4Timer := time.NewTimer(timeUntil(period.Add(60 * time.Second)))
		periodTimer := time.NewTimer(timeUntil(nextPeriod))

		s.runPeriod(ctx, stage3Timer, stage4Timer, periodTimer)

		stage3Timer.Stop()
		stage4Timer.Stop()
		periodTimer.Stop()

		if ctx.Err() != nil {
			return
		}
	}
}

// runPeriod services stage2 stream events and the stage3/stage4 fallback
// timers until the period ends or the context is cancelled.
func (s *Scheduler) runPeriod(ctx context.Context, stage3, stage4, periodEnd *time.Timer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-periodEnd.C:
			return
		case snap := <-s.streamEvents:
			s.runStage(ctx, 2, func(ctx context.Context) error { return s.doStage2(ctx, snap) })
		case <-stage3.C:
			s.runStage(ctx, 3, s.doStage3)
		case <-stage4.C:
			s.runStage(ctx, 4, s.doStage4)
		}
	}
}

func (s *Scheduler) runStage(ctx context.Context, stage int, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppression.activeFor(stage) {
		return
	}
	if err := fn(ctx); err != nil {
		s.logger.Error("sync stage failed", "stage", stage, "error", err)
	}
}

func (s *Scheduler) rolloverIfNeeded(period time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.periodStart.Equal(period) {
		return
	}
	s.state = periodState{periodStart: period}
}

// doStage1 performs the forecast-only transform and upload. Caller holds s.mu.
func (s *Scheduler) doStage1(ctx context.Context) error {
	if s.state.stage1Done {
		return nil
	}
	snap, err := s.forecastAdapter.Current(ctx)
	if err != nil {
		return fmt.Errorf("stage1 fetch current: %w", err)
	}
	if err := s.transformAndUpload(ctx, nil); err != nil {
		return err
	}
	s.state.stage1Done = true
	s.state.lastSyncedPrices = &snap
	s.state.lastSyncAt = clock.Now()
	return nil
}

// doStage2 handles a stream-pushed price update. Caller holds s.mu.
func (s *Scheduler) doStage2(ctx context.Context, snap prices.PriceSnapshot) error {
	s.state.websocketReceived = true
	if s.state.lastSyncedPrices != nil && !snap.DiffExceeds(*s.state.lastSyncedPrices, priceChangeThresholdCents) {
		return nil
	}
	if err := s.transformAndUpload(ctx, &snap); err != nil {
		return err
	}
	s.state.lastSyncedPrices = &snap
	s.state.lastSyncAt = clock.Now()
	return nil
}

// doStage3 is the 35s REST-poll fallback if no stream event has arrived. Caller holds s.mu.
func (s *Scheduler) doStage3(ctx context.Context) error {
	if s.state.websocketReceived {
		return nil
	}
	return s.restPollAndSync(ctx)
}

// doStage4 is the final 60s REST poll of the period. Caller holds s.mu.
func (s *Scheduler) doStage4(ctx context.Context) error {
	return s.restPollAndSync(ctx)
}

func (s *Scheduler) restPollAndSync(ctx context.Context) error {
	adapter := s.restAdapter
	if adapter == nil {
		adapter = s.forecastAdapter
	}
	snap, err := adapter.Current(ctx)
	if err != nil {
		return fmt.Errorf("rest poll current: %w", err)
	}
	if s.state.lastSyncedPrices != nil && !snap.DiffExceeds(*s.state.lastSyncedPrices, priceChangeThresholdCents) {
		return nil
	}
	if err := s.transformAndUpload(ctx, &snap); err != nil {
		return err
	}
	s.state.lastSyncedPrices = &snap
	s.state.lastSyncAt = clock.Now()
	return nil
}

func (s *Scheduler) transformAndUpload(ctx context.Context, currentInterval *prices.PriceSnapshot) error {
	forecast, err := s.forecastAdapter.Forecast(ctx, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("fetch forecast: %w", err)
	}

	doc, err := tariff.Transform(tariff.Input{
		Forecast:        forecast,
		CurrentInterval: currentInterval,
		Timezone:        s.timezone,
		Modifiers:       s.modifiers,
		Header:          s.header,
	})
	if err != nil {
		return fmt.Errorf("transform tariff: %w", err)
	}

	if err := s.facade.UploadTariff(ctx, doc); err != nil {
		return fmt.Errorf("upload tariff: %w", err)
	}
	s.lastUploaded = &doc

	if s.postUpload.OnUpload != nil {
		s.postUpload.OnUpload(doc)
	}

	if s.postUpload.ReassertGridCharging != nil {
		if err := s.postUpload.ReassertGridCharging(ctx); err != nil {
			s.logger.Warn("grid charging reassertion failed", "error", err)
		}
	}
	if s.postUpload.ToggleOperationMode != nil {
		if err := s.postUpload.ToggleOperationMode(ctx, s.facade); err != nil {
			s.logger.Warn("operation mode toggle failed", "error", err)
		}
	}

	return nil
}

// SyncNow triggers an immediate out-of-band upload, bypassing the stage schedule. Used by the sync_now / sync_tou services (spec.md section 6).
func (s *Scheduler) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transformAndUpload(ctx, nil)
}

// LastUploaded returns the most recently uploaded tariff document, or nil
// if none has been uploaded yet. Used by the spike manager to snapshot the
// tariff that was running before a spike override (spec.md section 4.6).
func (s *Scheduler) LastUploaded() *tariff.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUploaded == nil {
		return nil
	}
	clone := s.lastUploaded.Clone()
	return &clone
}

func (s *Scheduler) waitUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(clock.Now())
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func timeUntil(t time.Time) time.Duration {
	d := t.Sub(clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

