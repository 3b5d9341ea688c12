// Package unboundedchan provides a queue that never blocks its producer. It
// lets the acquisition reader hand blocks to a slower consumer (the disk
// recorder) without ever stalling on it.
package unboundedchan

import "sync/atomic"

// UnboundedChannel represents an unbounded queue, but data are entered and removed via channels.
// Beware! You almost certainly want T to be small; use pointers or headers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	pending atomic.Int64
}

// NewUnboundedChannel creates and initializes an UnboundedChannel
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	defer close(uc.out)
	for {
		if len(uc.queue) == 0 {
			// Empty: only listen for new incoming data
			val, ok := <-uc.in
			if !ok {
				return
			}
			uc.push(val)
			continue
		}
		select {
		case uc.out <- uc.queue[0]:
			var zero T
			uc.queue[0] = zero
			uc.queue = uc.queue[1:]
			uc.pending.Add(-1)
		case val, ok := <-uc.in:
			if !ok {
				// Input closed: deliver what is queued, then close the output.
				for _, item := range uc.queue {
					uc.out <- item
					uc.pending.Add(-1)
				}
				uc.queue = nil
				return
			}
			uc.push(val)
		}
	}
}

func (uc *UnboundedChannel[T]) push(val T) {
	uc.queue = append(uc.queue, val)
	uc.pending.Add(1)
}

// In returns the input channel for sending data. Close it when done; Out is
// closed once everything queued has been received.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Pending is the number of items queued but not yet received.
func (uc *UnboundedChannel[T]) Pending() int {
	return int(uc.pending.Load())
}
