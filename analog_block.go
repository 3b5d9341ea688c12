package patchcommander

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Rows of an acquired AnalogBlock, in the order the input channels are configured.
const (
	RowElectrode1 = iota // ai0, amplifier channel 1 output
	RowElectrode2        // ai1, amplifier channel 2 output
	RowMode1             // ai2, channel 1 clamp mode telegraph
	RowMode2             // ai3, channel 2 clamp mode telegraph
	RowCommand1          // ai4, channel 1 command read back
	RowCommand2          // ai5, channel 2 command read back
	RowLaser             // ai16, laser command read back
	NumInputRows
)

// Rows of a generated output block.
const (
	OutCommand1 = iota // ao0
	OutCommand2        // ao1
	OutLaser           // ao2
	NumOutputRows
)

// AnalogBlock is one batch of multi-channel samples: Data is channels x samples
// and StartIndex is the running sample count of its first sample.
type AnalogBlock struct {
	StartIndex int64
	Data       *mat.Dense
}

// Channels returns the number of channel rows.
func (b AnalogBlock) Channels() int {
	if b.Data == nil {
		return 0
	}
	r, _ := b.Data.Dims()
	return r
}

// Len returns the number of samples per channel.
func (b AnalogBlock) Len() int {
	if b.Data == nil {
		return 0
	}
	_, c := b.Data.Dims()
	return c
}

// Row returns a view (not a copy) of one channel's samples.
func (b AnalogBlock) Row(i int) []float64 {
	return b.Data.RawRowView(i)
}

// Pair returns the voltages of the two electrode rows at sample j.
func (b AnalogBlock) Pair(j int) VoltagePair {
	return VoltagePair{Left: b.Data.At(RowElectrode1, j), Right: b.Data.At(RowElectrode2, j)}
}

// VoltagePair is one sample of the two electrode channels.
type VoltagePair struct {
	Left  float64
	Right float64
}

// ClampMode says whether a recording channel holds current or voltage fixed.
type ClampMode int32

// Names for the possible values of ClampMode
const (
	CurrentClamp ClampMode = iota
	VoltageClamp
)

func (m ClampMode) String() string {
	switch m {
	case CurrentClamp:
		return "CC"
	case VoltageClamp:
		return "VC"
	}
	return fmt.Sprintf("ClampMode(%d)", int32(m))
}

// SampleGenerator produces the next output block of n samples, starting at
// output sample index start. A nil return ends generation.
type SampleGenerator func(start int64, n int) *mat.Dense

// Errors shared by the acquisition components
var (
	ErrBlockShape       = errors.New("generated block does not have the configured shape")
	ErrChannelIndex     = errors.New("channel index out of range")
	ErrNoDigitalIO      = errors.New("no digital output capability for clamp mode lines")
	ErrBridgeClosed     = errors.New("pipe bridge is closed")
	ErrMalformedCommand = errors.New("malformed tail command")
	ErrNotRunning       = errors.New("acquisition is not running")
	ErrAlreadyRunning   = errors.New("acquisition is already running")
)

func checkChannel(ch int) error {
	if ch < 0 || ch > 1 {
		return fmt.Errorf("channel %d: %w", ch, ErrChannelIndex)
	}
	return nil
}
