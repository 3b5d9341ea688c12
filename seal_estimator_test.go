package patchcommander

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// squareResponse is the electrode voltage for a cell whose current is ampPA
// during the on phase of each seal test period.
func squareResponse(idx int64, spp int64, ampPA, paPerV float64) float64 {
	if idx%spp < spp/2 {
		return ampPA / paPerV
	}
	return 0
}

func TestSealEstimatorResistance(t *testing.T) {
	var results []SealTestResult
	se := NewSealEstimator(0, 20000, SealTestSettings{Frequency: 10, StepMV: 10}, 2000, nil,
		func(r SealTestResult) { results = append(results, r) })
	assert.Equal(t, 2000, se.samplesPerPeriod)
	assert.Equal(t, 1000, se.onSamples)
	assert.Equal(t, 5, se.periodsPerPublish)
	assert.Equal(t, 1500, se.zeroPoint)

	for idx := int64(0); idx <= 18500; idx++ {
		se.AddSample(idx, squareResponse(idx, 2000, 100, 2000))
	}
	require.Len(t, results, 2)
	assert.Equal(t, int64(8500), results[0].SampleIndex)
	r := results[1]
	assert.Equal(t, int64(18500), r.SampleIndex)
	// 10 mV step, 100 pA peak to peak: 50 pA half amplitude.
	assert.InDelta(t, 200.0, r.RSeal, 1e-6)
	assert.InDelta(t, 100.0, r.RMembrane, 1e-6)
	require.Len(t, r.Waveform, 2000)
	assert.InDelta(t, 0.0, r.Waveform[0], 1e-9)
	assert.InDelta(t, 100.0, r.Waveform[1000], 1e-9)
	// On phase transitions sit a quarter window either side of the middle.
	assert.InDelta(t, 0.0, r.Waveform[499], 1e-9)
	assert.InDelta(t, 100.0, r.Waveform[500], 1e-9)
	assert.InDelta(t, 100.0, r.Waveform[1499], 1e-9)
	assert.InDelta(t, 0.0, r.Waveform[1500], 1e-9)
	assert.Equal(t, &results[1], se.Latest())
}

func TestSealEstimatorBlocksAndActivity(t *testing.T) {
	var active atomic.Bool
	n := 0
	se := NewSealEstimator(1, 20000, SealTestSettings{Frequency: 10, StepMV: 10}, 2000,
		active.Load, func(r SealTestResult) { n++ })

	makeBlock := func(start int64, length int) AnalogBlock {
		data := mat.NewDense(NumInputRows, length, nil)
		for j := 0; j < length; j++ {
			data.Set(RowElectrode2, j, squareResponse(start+int64(j), 2000, 40, 2000))
			data.Set(RowElectrode1, j, 9) // the other channel must be ignored
		}
		return AnalogBlock{StartIndex: start, Data: data}
	}

	// Inactive: nothing accumulates.
	se.ProcessBlock(makeBlock(0, 8600))
	assert.Equal(t, 0, n)
	assert.Nil(t, se.Latest())

	active.Store(true)
	var idx int64 = 8600
	for idx < 8600+25000 {
		se.ProcessBlock(makeBlock(idx, 137))
		idx += 137
	}
	// Publishes at 18500 and 28500.
	assert.Equal(t, 2, n)
	latest := se.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Channel)
	assert.InDelta(t, 10e-3/(20e-12)/1e6, latest.RSeal, 1e-6)
	assert.InDelta(t, 10e-3/(40e-12)/1e6, latest.RMembrane, 1e-6)
}

func TestSealEstimatorNoCurrent(t *testing.T) {
	var got SealTestResult
	se := NewSealEstimator(0, 1000, SealTestSettings{Frequency: 10, StepMV: 10}, 2000, nil,
		func(r SealTestResult) { got = r })
	// spp=100, zeroPoint=75, window=500: publish when idx=425.
	for idx := int64(0); idx <= 425; idx++ {
		se.AddSample(idx, 0)
	}
	assert.True(t, math.IsInf(got.RSeal, 1))
	assert.True(t, math.IsInf(got.RMembrane, 1))
	assert.Equal(t, int64(425), got.SampleIndex)
}
