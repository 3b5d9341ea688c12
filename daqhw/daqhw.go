// Package daqhw describes the analog and digital I/O that the acquisition
// controller needs from a multifunction DAQ board: configure analog channels at
// a sample rate, read blocks of samples, write blocks of samples, and toggle
// single digital lines.
//
// Vendor drivers implement Device. NoHardware is a software stand-in that
// requires no board, used by the tests and by the daemon when run with -simulate.
package daqhw

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// Edge selects the active edge of a clock or trigger.
type Edge int

// Clock and trigger edges
const (
	Rising Edge = iota
	Falling
)

// SampleMode says whether a task acquires or generates forever or a fixed count.
type SampleMode int

// Sample quantity modes
const (
	ContinuousSamples SampleMode = iota
	FiniteSamples
)

// VoltageRange is the min/max voltage a channel is configured for.
type VoltageRange struct {
	Min float64
	Max float64
}

// Clamp saturates v to the range.
func (r VoltageRange) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Device is one DAQ board. Tasks created from it are exclusively owned by the
// caller and must be closed by it.
type Device interface {
	Name() string
	NewInputTask(name string) (InputTask, error)
	NewOutputTask(name string) (OutputTask, error)
	SetDigitalLine(line string, value bool) error
}

// InputTask is a hardware-timed analog input task.
type InputTask interface {
	ConfigureAnalogInputChannels(names []string, r VoltageRange) error
	ConfigureSampleClock(rate float64, edge Edge, mode SampleMode) error
	Start() error
	// AvailableSamples is a non-blocking poll of samples per channel waiting in
	// the device buffer.
	AvailableSamples() (int, error)
	// ReadSamples returns a channels x n matrix of the next n samples.
	ReadSamples(n int) (*mat.Dense, error)
	Stop() error
	Close() error
}

// OutputTask is a hardware-timed analog output task. Write queues samples; the
// device consumes them at the sample clock rate.
type OutputTask interface {
	ConfigureAnalogOutputChannels(names []string, r VoltageRange) error
	ConfigureSampleClock(rate float64, edge Edge, mode SampleMode) error
	ConfigureStartTrigger(source string, edge Edge) error
	AllowRegeneration(allow bool) error
	// WriteBlock queues a channels x samples matrix. The first write before
	// Start sizes the device buffer; later writes block while it is full.
	WriteBlock(block *mat.Dense) error
	// WriteStatic writes one software-timed value per channel.
	WriteStatic(values []float64) error
	Start() error
	Stop() error
	Close() error
}

// Errors returned by tasks.
var (
	ErrNotConfigured = errors.New("daqhw: task has no channels configured")
	ErrNotStarted    = errors.New("daqhw: task is not started")
	ErrStopped       = errors.New("daqhw: task was stopped")
	ErrClosed        = errors.New("daqhw: task is closed")
	ErrOverrun       = errors.New("daqhw: input buffer overrun, samples were lost")
	ErrUnderflow     = errors.New("daqhw: output buffer underflow")
	ErrShape         = errors.New("daqhw: block does not match configured channels")
)
