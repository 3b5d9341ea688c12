package patchcommander

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// StillCommand is sent when neither side moves more than the threshold.
const StillCommand = "0,0"

// CommandSink accepts tail commands. Send may block to apply back-pressure.
type CommandSink interface {
	Send(cmd string) error
}

// TailFilter turns the two electrode channels into movement commands. Each side
// keeps a window of raw voltages and a window of that window's recent standard
// deviations; a command carries the raw means when either side's mean stddev
// exceeds the threshold.
type TailFilter struct {
	threshold float64
	emitEvery int
	leftRaw   *SlidingWindow[float64]
	rightRaw  *SlidingWindow[float64]
	leftStd   *SlidingWindow[float64]
	rightStd  *SlidingWindow[float64]
	pending   int

	sinkLock sync.Mutex
	sink     CommandSink
}

// NewTailFilter returns a filter configured by ts, sending to sink (which may be nil).
func NewTailFilter(ts TailSettings, sink CommandSink) *TailFilter {
	emit := ts.EmitEvery
	if emit < 1 {
		emit = 1
	}
	return &TailFilter{
		threshold: ts.Threshold,
		emitEvery: emit,
		leftRaw:   NewSlidingWindow[float64](ts.RawWindow),
		rightRaw:  NewSlidingWindow[float64](ts.RawWindow),
		leftStd:   NewSlidingWindow[float64](ts.StddevWindow),
		rightStd:  NewSlidingWindow[float64](ts.StddevWindow),
		sink:      sink,
	}
}

// Ingest takes one sample pair. When a command is due (every sample with the
// default cadence) it returns the command and true.
func (tf *TailFilter) Ingest(p VoltagePair) (string, bool) {
	tf.leftRaw.Push(p.Left)
	tf.rightRaw.Push(p.Right)
	tf.pending++
	if tf.pending < tf.emitEvery {
		return "", false
	}
	tf.pending = 0
	tf.leftStd.Push(tf.leftRaw.Stddev())
	tf.rightStd.Push(tf.rightRaw.Stddev())
	return tf.command(), true
}

func (tf *TailFilter) command() string {
	if tf.leftStd.Mean() > tf.threshold || tf.rightStd.Mean() > tf.threshold {
		return FormatTailCommand(tf.leftRaw.Mean(), tf.rightRaw.Mean())
	}
	return StillCommand
}

// FormatTailCommand renders a movement command with 2 decimal places.
func FormatTailCommand(left, right float64) string {
	return fmt.Sprintf("%.2f,%.2f", round2(left), round2(right))
}

// round2 rounds to 2 decimals, and never yields negative zero.
func round2(x float64) float64 {
	r := math.Round(x*100) / 100
	if r == 0 {
		return 0
	}
	return r
}

// ProcessBlock ingests every sample of the electrode rows in order and sends
// each command to the sink. Once the sink reports it has closed, the filter
// keeps its windows current but stops sending.
func (tf *TailFilter) ProcessBlock(block AnalogBlock) {
	tf.sinkLock.Lock()
	sink := tf.sink
	tf.sinkLock.Unlock()

	left := block.Row(RowElectrode1)
	right := block.Row(RowElectrode2)
	for j := range left {
		cmd, ok := tf.Ingest(VoltagePair{Left: left[j], Right: right[j]})
		if !ok || sink == nil {
			continue
		}
		if err := sink.Send(cmd); err != nil {
			if !errors.Is(err, ErrBridgeClosed) {
				ProblemLogger.Printf("tail filter: send failed: %v", err)
			}
			ProblemLogger.Printf("tail filter: companion link lost, commands are no longer sent")
			tf.SetSink(nil)
			sink = nil
		}
	}
}

// SetSink replaces the command destination.
func (tf *TailFilter) SetSink(sink CommandSink) {
	tf.sinkLock.Lock()
	defer tf.sinkLock.Unlock()
	tf.sink = sink
}

// Reset empties all windows.
func (tf *TailFilter) Reset() {
	tf.leftRaw.Reset()
	tf.rightRaw.Reset()
	tf.leftStd.Reset()
	tf.rightStd.Reset()
	tf.pending = 0
}
