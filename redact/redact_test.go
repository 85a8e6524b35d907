package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString_RedactsBearerToken(t *testing.T) {
	out := String("calling with Bearer abcdef1234567890xyz")
	assert.NotContains(t, out, "abcdef1234567890xyz")
}

func TestString_RedactsEmail(t *testing.T) {
	out := String("contact user at jane.doe@example.com for help")
	assert.NotContains(t, out, "jane.doe@example.com")
}

func TestString_RedactsLongNumericID(t *testing.T) {
	out := String("device id 123456789012")
	assert.NotContains(t, out, "123456789012")
}

func TestString_LeavesShortUnrelatedTextAlone(t *testing.T) {
	out := String("sync stage 1 complete")
	assert.Equal(t, "sync stage 1 complete", out)
}

func TestString_KeepsFirstAndLastFourCharacters(t *testing.T) {
	out := String("token api-123456789012 used")
	assert.Contains(t, out, "api-")
}
