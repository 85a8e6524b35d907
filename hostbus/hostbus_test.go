package hostbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishNotifiesInProcessSubscribers(t *testing.T) {
	b := New("site-1")
	var got Event
	b.Subscribe(func(e Event) { got = e })

	b.Publish("tariff_updated", map[string]string{"period": "peak"})

	assert.Equal(t, "tariff_updated", got.Name)
}

func TestBus_PublishWithoutMQTTClientQueuesRatherThanBlocking(t *testing.T) {
	b := New("site-1")
	b.Publish("force_charge_state", map[string]bool{"active": true})
	assert.Len(t, b.queue, 1)
}

func TestBus_InvokeUnknownServiceReturnsError(t *testing.T) {
	b := New("site-1")
	_, err := b.Invoke(context.Background(), "sync_now", nil)
	assert.Error(t, err)
}

func TestBus_RegisterServiceThenInvokeRunsHandler(t *testing.T) {
	b := New("site-1")
	b.RegisterService("set_backup_reserve", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return params["percent"], nil
	})

	result, err := b.Invoke(context.Background(), "set_backup_reserve", map[string]interface{}{"percent": 20.0})
	require.NoError(t, err)
	assert.Equal(t, 20.0, result)
}
