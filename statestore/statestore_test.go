package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type forceModeStateFixture struct {
	Mode string
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	return s
}

func TestStore_PutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(KeyForceModeState, forceModeStateFixture{Mode: "discharge"})
	require.NoError(t, err)

	var out forceModeStateFixture
	found, err := s.Get(KeyForceModeState, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "discharge", out.Mode)
}

func TestStore_GetMissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	var out forceModeStateFixture
	found, err := s.Get(KeyForceModeState, &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_DeleteClearsKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(KeyManualExportOverride, "battery_ok"))

	require.NoError(t, s.Delete(KeyManualExportOverride))

	var out string
	found, err := s.Get(KeyManualExportOverride, &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PutTwiceBumpsVersionWithoutLosingOtherKeys(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(KeyCachedExportRule, "battery_ok"))
	require.NoError(t, s.Put(KeyBatteryHealth, "ok"))

	require.NoError(t, s.Put(KeyCachedExportRule, "never_export"))

	var rule, health string
	found, err := s.Get(KeyCachedExportRule, &rule)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "never_export", rule)

	found, err = s.Get(KeyBatteryHealth, &health)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ok", health)
}
