package plant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScalePower_AppliesPTAndCTRatios(t *testing.T) {
	m := &Meter{pt1: 2, pt2: 1, ct1: 1, ct2: 1}
	got := scalePower(m, 100.0)
	assert.Equal(t, 200.0, got)
}
