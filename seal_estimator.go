package patchcommander

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SealTestResult is one published seal test estimate.
type SealTestResult struct {
	Channel     int
	RSeal       float64   // MOhm, +Inf when no current flows
	RMembrane   float64   // MOhm
	Waveform    []float64 // pA, one period, baseline subtracted
	SampleIndex int64     // index of the sample that triggered the estimate
}

// SealEstimator averages the current response to the seal test square wave,
// phase locked to the running sample index, and estimates seal and membrane
// resistance once per averaging window. Its memory is one period of samples.
type SealEstimator struct {
	channel           int
	samplesPerPeriod  int
	onSamples         int
	periodsPerPublish int
	zeroPoint         int
	stepVolts         float64
	paPerV            float64
	accum             []float64

	active    func() bool
	wasActive bool
	publish   func(SealTestResult)

	latestLock sync.Mutex
	latest     *SealTestResult
}

// NewSealEstimator returns an estimator for electrode channel ch. It ignores
// samples unless active() is true; each estimate goes to publish (which may be nil).
func NewSealEstimator(ch int, rate float64, st SealTestSettings, paPerV float64,
	active func() bool, publish func(SealTestResult)) *SealEstimator {
	spp := int(rate / st.Frequency)
	on := spp / 2
	nAccum := int(st.Frequency / 2)
	if nAccum < 1 {
		nAccum = 1
	}
	return &SealEstimator{
		channel:           ch,
		samplesPerPeriod:  spp,
		onSamples:         on,
		periodsPerPublish: nAccum,
		zeroPoint:         spp - on/2,
		stepVolts:         st.StepMV * 1e-3,
		paPerV:            paPerV,
		accum:             make([]float64, spp),
		active:            active,
		publish:           publish,
	}
}

// ProcessBlock feeds this channel's electrode row through the estimator.
func (se *SealEstimator) ProcessBlock(block AnalogBlock) {
	isActive := se.active == nil || se.active()
	if !isActive {
		se.wasActive = false
		return
	}
	if !se.wasActive {
		se.Reset()
		se.wasActive = true
	}
	row := block.Row(RowElectrode1 + se.channel)
	for j, v := range row {
		se.AddSample(block.StartIndex+int64(j), v)
	}
}

// AddSample accumulates the voltage v read at absolute sample index idx.
func (se *SealEstimator) AddSample(idx int64, v float64) {
	spp := int64(se.samplesPerPeriod)
	zp := int64(se.zeroPoint)
	if (idx+zp)%(spp*int64(se.periodsPerPublish)) == 0 {
		se.estimate(idx)
	}
	slot := ((idx % spp) - zp + spp) % spp
	se.accum[slot] += v / float64(se.periodsPerPublish) * se.paPerV
}

func (se *SealEstimator) estimate(idx int64) {
	currMax := (floats.Max(se.accum) - floats.Min(se.accum)) / 2
	rseal := math.Inf(1)
	if currMax != 0 {
		rseal = se.stepVolts / (currMax * 1e-12) / 1e6
	}
	// Steady state: 21 samples centered on the middle of the on phase.
	// Baseline: the first 21 samples, which fall in the off phase.
	lo := max(se.onSamples-10, 0)
	hi := min(se.onSamples+11, len(se.accum))
	currSS := stat.Mean(se.accum[lo:hi], nil)
	currMean := stat.Mean(se.accum[:min(21, len(se.accum))], nil)
	rmemb := math.Inf(1)
	if currSS != currMean {
		rmemb = se.stepVolts / ((currSS - currMean) * 1e-12) / 1e6
	}
	floats.AddConst(-currMean, se.accum)
	result := SealTestResult{
		Channel:     se.channel,
		RSeal:       rseal,
		RMembrane:   rmemb,
		Waveform:    append([]float64(nil), se.accum...),
		SampleIndex: idx,
	}
	se.latestLock.Lock()
	se.latest = &result
	se.latestLock.Unlock()
	if se.publish != nil {
		se.publish(result)
	}
	clear(se.accum)
}

// Latest returns the most recent estimate, or nil if there is none yet.
func (se *SealEstimator) Latest() *SealTestResult {
	se.latestLock.Lock()
	defer se.latestLock.Unlock()
	return se.latest
}

// Reset zeroes the accumulator.
func (se *SealEstimator) Reset() {
	clear(se.accum)
}

// SampleTimes returns the time in ms of each waveform point.
func (se *SealEstimator) SampleTimes(rate float64) []float64 {
	t := make([]float64, se.samplesPerPeriod)
	for i := range t {
		t[i] = 1000.0 / rate * float64(i)
	}
	return t
}
