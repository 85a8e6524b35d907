package batteryfacade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTariffRateScale(t *testing.T) {
	assert.Equal(t, uint16(3000), tariffRateScale(0.30))
	assert.Equal(t, uint16(0), tariffRateScale(-0.05), "negative rates clamp to 0")
	assert.Equal(t, uint16(65535), tariffRateScale(10.0), "rates above the fixed-point ceiling clamp instead of wrapping")
}
