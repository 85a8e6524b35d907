package pricestream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesync/controller/prices"
)

func mustUpdate(t *testing.T, raw string) priceUpdateMessage {
	t.Helper()
	var msg priceUpdateMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func TestClient_LatestRejectsEmptyThenServesFreshUpdate(t *testing.T) {
	c := New("wss://example.invalid/stream", "site-1", func() string { return "tok" })

	_, ok := c.Latest(time.Minute)
	assert.False(t, ok, "no data fetched yet")

	c.applyUpdate(mustUpdate(t, `{
		"action": "price-update",
		"data": {
			"siteId": "site-1",
			"prices": [
				{"channelType": "general", "perKwh": 32.5},
				{"channelType": "feedIn", "perKwh": 5.0}
			]
		}
	}`))

	snap, ok := c.Latest(time.Minute)
	require.True(t, ok)
	assert.Equal(t, 32.5, snap.Import.PerKWhCents)
	assert.Equal(t, prices.Import, snap.Import.Channel)
	assert.Equal(t, 5.0, snap.Export.PerKWhCents)
	assert.Equal(t, prices.Export, snap.Export.Channel)
}

func TestClient_LatestRejectsWhenTooOld(t *testing.T) {
	c := New("wss://example.invalid/stream", "site-1", nil)
	c.applyUpdate(mustUpdate(t, `{"action": "price-update", "data": {"prices": [{"channelType": "general", "perKwh": 10}]}}`))
	c.mu.Lock()
	c.lastUpdateAt = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	_, ok := c.Latest(time.Minute)
	assert.False(t, ok)
}

func TestClient_HealthReflectsState(t *testing.T) {
	c := New("wss://example.invalid/stream", "site-1", nil)
	assert.Equal(t, "never_connected", c.Health().Status)

	c.applyUpdate(mustUpdate(t, `{"action": "price-update", "data": {"prices": []}}`))
	assert.Equal(t, "healthy", c.Health().Status)
	assert.Equal(t, 1, c.Health().FetchCount)
}

func TestClient_SubscribersFireOnUpdate(t *testing.T) {
	c := New("wss://example.invalid/stream", "site-1", nil)
	var got prices.PriceSnapshot
	fired := false
	c.Subscribe(func(s prices.PriceSnapshot) {
		fired = true
		got = s
	})

	c.applyUpdate(mustUpdate(t, `{"action": "price-update", "data": {"prices": [{"channelType": "general", "perKwh": 18.0}]}}`))

	require.True(t, fired)
	assert.Equal(t, 18.0, got.Import.PerKWhCents)
}

type fakeError struct{ msg string }

func (e fakeError) Error() string { return e.msg }

func TestClient_RecordError(t *testing.T) {
	c := New("wss://example.invalid/stream", "site-1", nil)
	c.recordError(fakeError{"boom"})
	h := c.Health()
	assert.Equal(t, 1, h.ErrorCount)
	assert.Equal(t, "boom", h.LastError)
}
