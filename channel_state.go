package patchcommander

import (
	"math"
	"sync/atomic"
)

// atomicFloat is a float64 that may be read and written from any goroutine.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// ChannelState holds the per-channel settings the hold generator and the seal
// test read while acquisition runs. The control server writes them.
type ChannelState struct {
	Holding     atomic.Bool
	HoldingMV   atomicFloat
	Injecting   atomic.Bool
	InjectionPA atomicFloat
	SealTest    atomic.Bool
}

// ChannelSnapshot is a plain copy of a ChannelState.
type ChannelSnapshot struct {
	Holding     bool
	HoldingMV   float64
	Injecting   bool
	InjectionPA float64
	SealTest    bool
}

// Snapshot copies the current settings.
func (cs *ChannelState) Snapshot() ChannelSnapshot {
	return ChannelSnapshot{
		Holding:     cs.Holding.Load(),
		HoldingMV:   cs.HoldingMV.Load(),
		Injecting:   cs.Injecting.Load(),
		InjectionPA: cs.InjectionPA.Load(),
		SealTest:    cs.SealTest.Load(),
	}
}
