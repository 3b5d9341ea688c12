package patchcommander

import (
	"math"
	"sync"
)

// LiveDisplayRate is the sample rate of the decimated live trace.
const LiveDisplayRate = 2000

// maxLivePoints bounds the undelivered live trace (10 s at the display rate).
const maxLivePoints = 10 * LiveDisplayRate

// LiveDecimator reduces one electrode channel to LiveDisplayRate for display.
// Each bin is represented by its sample of largest magnitude, so brief spikes
// survive, converted to pA in voltage clamp or mV in current clamp.
type LiveDecimator struct {
	channel int
	hs      HardwareSettings
	mode    func(ch int) ClampMode
	bin     []float64
	nbin    int

	lock    sync.Mutex
	pending []float64
}

// NewLiveDecimator returns a decimator for electrode channel ch.
func NewLiveDecimator(ch int, hs HardwareSettings, mode func(ch int) ClampMode) *LiveDecimator {
	factor := int(hs.Rate) / LiveDisplayRate
	if factor < 1 {
		factor = 1
	}
	return &LiveDecimator{channel: ch, hs: hs, mode: mode, bin: make([]float64, factor)}
}

// ProcessBlock bins the channel's samples. A partial bin carries over to the next block.
func (ld *LiveDecimator) ProcessBlock(block AnalogBlock) {
	var out []float64
	for _, v := range block.Row(RowElectrode1 + ld.channel) {
		ld.bin[ld.nbin] = v
		ld.nbin++
		if ld.nbin < len(ld.bin) {
			continue
		}
		ld.nbin = 0
		peak := ld.bin[0]
		for _, x := range ld.bin[1:] {
			if math.Abs(x) > math.Abs(peak) {
				peak = x
			}
		}
		if ld.mode(ld.channel) == VoltageClamp {
			out = append(out, ld.hs.ReadToPicoAmps(peak))
		} else {
			out = append(out, ld.hs.ReadToMilliVolts(peak))
		}
	}
	if len(out) == 0 {
		return
	}
	ld.lock.Lock()
	defer ld.lock.Unlock()
	ld.pending = append(ld.pending, out...)
	if extra := len(ld.pending) - maxLivePoints; extra > 0 {
		ld.pending = append(ld.pending[:0], ld.pending[extra:]...)
	}
}

// Take returns the points binned since the last call.
func (ld *LiveDecimator) Take() []float64 {
	ld.lock.Lock()
	defer ld.lock.Unlock()
	p := ld.pending
	ld.pending = nil
	return p
}

// Reset drops the partial bin and undelivered points.
func (ld *LiveDecimator) Reset() {
	ld.nbin = 0
	ld.lock.Lock()
	ld.pending = nil
	ld.lock.Unlock()
}
