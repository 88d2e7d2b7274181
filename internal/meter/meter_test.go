package meter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeltaNormalIncrease(t *testing.T) {
	d := Diff(
		Sample{ForwardBytes: 1000, ReturnBytes: 500},
		Sample{ForwardBytes: 1500, ReturnBytes: 900},
	)
	assert.False(t, d.Anomaly)
	assert.Equal(t, uint64(500), d.ForwardBytes)
	assert.Equal(t, uint64(400), d.ReturnBytes)
}

func TestDeltaGenuineWraparound(t *testing.T) {
	max := uint64(math.MaxUint64)
	prev := max - 100 // 100 away from wrapping
	next := uint64(50) // wrapped and continued for 50 more
	d := Diff(Sample{ForwardBytes: prev}, Sample{ForwardBytes: next})
	assert.False(t, d.Anomaly, "a counter that traveled nearly the full range should be treated as a wrap")
	assert.Equal(t, uint64(151), d.ForwardBytes)
	assert.True(t, d.WrappedFwd)
	assert.False(t, d.WrappedRet)
}

func TestDeltaAnomalousDecrease(t *testing.T) {
	// Counter dropped from a large value to a small one without traveling
	// anywhere near the full 64-bit range: this looks like a reset, not a
	// wrap, and must not be reported as a huge forward delta.
	d := Diff(Sample{ForwardBytes: 10_000_000}, Sample{ForwardBytes: 10})
	assert.True(t, d.Anomaly)
	assert.Equal(t, uint64(0), d.ForwardBytes)
}

func TestDeltaAllFourCounters(t *testing.T) {
	prev := Sample{ForwardBytes: 10, ReturnBytes: 20, ForwardPkts: 1, ReturnPkts: 2}
	next := Sample{ForwardBytes: 30, ReturnBytes: 25, ForwardPkts: 3, ReturnPkts: 2}
	d := Diff(prev, next)
	assert.False(t, d.Anomaly)
	assert.Equal(t, uint64(20), d.ForwardBytes)
	assert.Equal(t, uint64(5), d.ReturnBytes)
	assert.Equal(t, uint64(2), d.ForwardPkts)
	assert.Equal(t, uint64(0), d.ReturnPkts)
}
