package patchcommander

import "math"

// SlidingWindow is a fixed-capacity FIFO of the most recent values pushed. It
// keeps running sums so Mean and Stddev cost O(1). The sums are recomputed
// from the contents each time the write position wraps, so rounding error
// cannot accumulate without bound.
type SlidingWindow[T ~float32 | ~float64] struct {
	buf   []T
	next  int // where the next value goes
	count int
	sum   float64
	sumsq float64
}

// NewSlidingWindow returns an empty window holding at most capacity values.
func NewSlidingWindow[T ~float32 | ~float64](capacity int) *SlidingWindow[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &SlidingWindow[T]{buf: make([]T, capacity)}
}

// Push adds v, evicting the oldest value if the window is full.
func (w *SlidingWindow[T]) Push(v T) {
	if w.count == len(w.buf) {
		old := float64(w.buf[w.next])
		w.sum -= old
		w.sumsq -= old * old
	} else {
		w.count++
	}
	w.buf[w.next] = v
	x := float64(v)
	w.sum += x
	w.sumsq += x * x
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.resync()
	}
}

func (w *SlidingWindow[T]) resync() {
	w.sum, w.sumsq = 0, 0
	for i := 0; i < w.count; i++ {
		x := float64(w.buf[i])
		w.sum += x
		w.sumsq += x * x
	}
}

// Len is the number of values held.
func (w *SlidingWindow[T]) Len() int {
	return w.count
}

// Cap is the most values the window can hold.
func (w *SlidingWindow[T]) Cap() int {
	return len(w.buf)
}

// Mean of the values held, or 0 when empty.
func (w *SlidingWindow[T]) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// Stddev is the population standard deviation of the values held. It is 0
// for a window with 0 or 1 values.
func (w *SlidingWindow[T]) Stddev() float64 {
	if w.count <= 1 {
		return 0
	}
	n := float64(w.count)
	mean := w.sum / n
	variance := w.sumsq/n - mean*mean
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// Values returns a copy of the contents, oldest first.
func (w *SlidingWindow[T]) Values() []T {
	out := make([]T, 0, w.count)
	start := 0
	if w.count == len(w.buf) {
		start = w.next
	}
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

// Reset empties the window.
func (w *SlidingWindow[T]) Reset() {
	w.next, w.count = 0, 0
	w.sum, w.sumsq = 0, 0
}
