// Package hostbus implements the host-platform collaboration surface of
// spec.md section 6: named Services the host automation platform can
// invoke, and fire-and-forget Event dispatch signals the core publishes
// out. Events are bridged onto MQTT topics, following the queue-until-
// connected pattern of the ryansname-powerctl example's mqttSenderWorker,
// so that a host which only speaks MQTT can still subscribe.
package hostbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pricesync/controller/clock"
)

// Event is one of the fire-and-forget signals named in spec.md section 6:
// force_discharge_state, force_charge_state, curtailment_updated,
// tariff_updated, battery_health_update.
type Event struct {
	Name    string
	Payload interface{}
}

// ServiceFunc implements one of the named Services (sync_now, sync_tou,
// force_discharge, ...). params carries the operation's arguments
// (e.g. {"duration": "30m"}).
type ServiceFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Bus is the in-process pub/sub plus MQTT bridge for events, and the
// registry of invokable Services.
type Bus struct {
	events   *clock.Dispatcher[Event]
	siteID   string
	mqttMu   sync.Mutex
	mqtt     mqtt.Client
	queue    []Event

	svcMu    sync.Mutex
	services map[string]ServiceFunc

	logger *slog.Logger
}

func New(siteID string) *Bus {
	return &Bus{
		events:   clock.NewDispatcher[Event](),
		siteID:   siteID,
		services: make(map[string]ServiceFunc),
		logger:   slog.Default().With("component", "hostbus", "site_id", siteID),
	}
}

// SetMQTTClient attaches (or replaces) the MQTT client used to bridge
// events out. Any events queued while disconnected are flushed immediately.
func (b *Bus) SetMQTTClient(client mqtt.Client) {
	b.mqttMu.Lock()
	defer b.mqttMu.Unlock()
	b.mqtt = client
	if client == nil || !client.IsConnected() {
		return
	}
	queued := b.queue
	b.queue = nil
	for _, e := range queued {
		b.publishMQTT(e)
	}
}

// Subscribe registers an in-process listener for every published Event.
func (b *Bus) Subscribe(fn func(Event)) {
	b.events.Subscribe(fn)
}

// Publish fires an Event to in-process subscribers and the MQTT bridge.
func (b *Bus) Publish(name string, payload interface{}) {
	e := Event{Name: name, Payload: payload}
	b.events.Publish(e)

	b.mqttMu.Lock()
	defer b.mqttMu.Unlock()
	if b.mqtt == nil || !b.mqtt.IsConnected() {
		b.queue = append(b.queue, e)
		b.logger.Warn("event queued, mqtt bridge unavailable", "event", name, "queued", len(b.queue))
		return
	}
	b.publishMQTT(e)
}

// publishMQTT assumes mqttMu is held.
func (b *Bus) publishMQTT(e Event) {
	topic := fmt.Sprintf("pricesync/%s/%s", b.siteID, e.Name)
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		b.logger.Error("failed to marshal event payload", "event", e.Name, "error", err)
		return
	}
	token := b.mqtt.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.logger.Error("failed to publish event", "topic", topic, "error", err)
	}
}

// RegisterService makes name invokable via Invoke, per spec.md section
// 6's Services list (sync_now, sync_tou, force_discharge, force_charge,
// restore_normal, set_backup_reserve, set_operation_mode,
// set_grid_export, set_grid_charging, curtail_inverter,
// restore_inverter, sync_battery_health, get_calendar_history).
func (b *Bus) RegisterService(name string, fn ServiceFunc) {
	b.svcMu.Lock()
	defer b.svcMu.Unlock()
	b.services[name] = fn
}

// Invoke runs a previously registered service, or returns an error if no such service was registered.
func (b *Bus) Invoke(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	b.svcMu.Lock()
	fn, ok := b.services[name]
	b.svcMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	return fn(ctx, params)
}
