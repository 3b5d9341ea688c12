package patchcommander

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patchlab/patchcommander/daqhw"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"
)

// RunState is used to indicate the active/inactive/transition state of the controller
type RunState int

// Names for the possible values of RunState
const (
	Inactive RunState = iota // Not acquiring
	Starting                 // In transition to Active state
	Active                   // Acquiring (and possibly generating)
	Stopping                 // In transition to Inactive state
)

func (s RunState) String() string {
	return [...]string{"Inactive", "Starting", "Active", "Stopping"}[s]
}

// Unbounded tells Start to acquire until Stop is called.
const Unbounded int64 = 0

const readPollInterval = time.Millisecond

// BlockSubscriber is handed every acquired block, in acquisition order.
type BlockSubscriber func(AnalogBlock)

// FinishedHandler is told when the reader of a session ends; err is nil when
// it ended because of Stop or because it read the requested samples.
type FinishedHandler func(session uint64, err error)

// acquisitionRun is the state shared by the reader and writer of one session.
type acquisitionRun struct {
	id        uint64
	abort     chan struct{} // closed to ask both loops to quit
	ready     chan struct{} // closed by the writer once its task is armed
	abortOnce sync.Once

	errLock sync.Mutex
	err     error
}

func (run *acquisitionRun) cancel() {
	run.abortOnce.Do(func() { close(run.abort) })
}

// fail records the first fault of the session and ends it.
func (run *acquisitionRun) fail(err error) {
	run.errLock.Lock()
	if run.err == nil {
		run.err = err
	}
	run.errLock.Unlock()
	run.cancel()
}

func (run *acquisitionRun) failure() error {
	run.errLock.Lock()
	defer run.errLock.Unlock()
	return run.err
}

// Controller owns the DAQ board for acquisition sessions. Each session runs a
// reader goroutine, plus a writer goroutine when an output generator is given.
// The writer arms its output (started by the input's start trigger) before
// the reader may start the input.
type Controller struct {
	hs     HardwareSettings
	device daqhw.Device

	modeLock   sync.Mutex
	modes      [2]atomic.Int32
	hasDigital bool

	subscriberLock sync.Mutex
	subscribers    []subscription
	nextSubscriber int

	finishedLock sync.Mutex
	finished     []FinishedHandler

	runLock   sync.Mutex // serializes Start and Stop
	stateLock sync.Mutex // guards state
	state     RunState
	run       *acquisitionRun
	sessions  uint64
	runDone   sync.WaitGroup

	samplesRead atomic.Int64
	behind      rate.Sometimes
}

type subscription struct {
	id int
	fn BlockSubscriber
}

// NewController takes ownership of device. When the settings name mode lines,
// both channels are driven to current clamp and then voltage clamp, so the
// amplifier starts in a known state.
func NewController(device daqhw.Device, hs HardwareSettings) (*Controller, error) {
	c := &Controller{
		hs:         hs,
		device:     device,
		hasDigital: len(hs.ModeLines) >= 2,
		behind:     rate.Sometimes{Interval: 5 * time.Second},
	}
	if c.hasDigital {
		for ch := 0; ch < 2; ch++ {
			line, _ := hs.ModeLine(ch)
			for _, vc := range []bool{false, true} {
				if err := device.SetDigitalLine(line, vc); err != nil {
					return nil, fmt.Errorf("initializing clamp mode line %s: %w", line, err)
				}
			}
			c.modes[ch].Store(int32(VoltageClamp))
		}
	}
	return c, nil
}

// Settings returns the hardware settings the controller runs with.
func (c *Controller) Settings() HardwareSettings {
	return c.hs
}

// ClampMode returns the clamp mode of channel ch.
func (c *Controller) ClampMode(ch int) ClampMode {
	if checkChannel(ch) != nil {
		return CurrentClamp
	}
	return ClampMode(c.modes[ch].Load())
}

// SetClampMode switches channel ch's amplifier mode line. Setting the current
// mode again writes nothing.
func (c *Controller) SetClampMode(ch int, mode ClampMode) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if mode != CurrentClamp && mode != VoltageClamp {
		return fmt.Errorf("unknown clamp mode %d", mode)
	}
	if !c.hasDigital {
		return ErrNoDigitalIO
	}
	c.modeLock.Lock()
	defer c.modeLock.Unlock()
	if ClampMode(c.modes[ch].Load()) == mode {
		return nil
	}
	line, err := c.hs.ModeLine(ch)
	if err != nil {
		return err
	}
	if err := c.device.SetDigitalLine(line, mode == VoltageClamp); err != nil {
		return fmt.Errorf("setting channel %d to %v: %w", ch, mode, err)
	}
	c.modes[ch].Store(int32(mode))
	return nil
}

// Subscribe adds fn to the end of the subscriber list. Subscribers run on the
// reader goroutine and must finish quickly. The returned func unsubscribes.
func (c *Controller) Subscribe(fn BlockSubscriber) (unsubscribe func()) {
	c.subscriberLock.Lock()
	defer c.subscriberLock.Unlock()
	id := c.nextSubscriber
	c.nextSubscriber++
	c.subscribers = append(c.subscribers, subscription{id: id, fn: fn})
	return func() {
		c.subscriberLock.Lock()
		defer c.subscriberLock.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// OnReaderFinished registers h to be called (on its own goroutine) each time
// a session's reader ends.
func (c *Controller) OnReaderFinished(h FinishedHandler) {
	c.finishedLock.Lock()
	defer c.finishedLock.Unlock()
	c.finished = append(c.finished, h)
}

// GetState returns the state in a race-free fashion
func (c *Controller) GetState() RunState {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Controller) setState(s RunState) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.state = s
}

// Running tells whether a session is active.
func (c *Controller) Running() bool {
	return c.GetState() == Active
}

// SamplesRead is the running sample index of the current or last session.
func (c *Controller) SamplesRead() int64 {
	return c.samplesRead.Load()
}

// Session returns the ID of the active session, or 0.
func (c *Controller) Session() uint64 {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.run == nil {
		return 0
	}
	return c.run.id
}

// generate calls gen, turning a panic into an error.
func generate(gen SampleGenerator, start int64, n int) (block *mat.Dense, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sample generator panicked at sample %d: %v", start, r)
		}
	}()
	return gen(start, n), nil
}

// outputRange is the voltage range every analog output is configured for.
func (c *Controller) outputRange() daqhw.VoltageRange {
	return daqhw.VoltageRange{Min: c.hs.VoltageMin, Max: c.hs.VoltageMax}
}

// saturate clamps every sample of block to the output range, in place.
func (c *Controller) saturate(block *mat.Dense) {
	r := c.outputRange()
	block.Apply(func(_, _ int, v float64) float64 { return r.Clamp(v) }, block)
}

func (c *Controller) checkBlock(block *mat.Dense, samples, rows int) error {
	if block == nil {
		return fmt.Errorf("%w: generator returned no block", ErrBlockShape)
	}
	r, n := block.Dims()
	if n != samples {
		return fmt.Errorf("%w: %d samples, want %d", ErrBlockShape, n, samples)
	}
	if rows > 0 && r != rows {
		return fmt.Errorf("%w: %d channels, want %d", ErrBlockShape, r, rows)
	}
	if r < 1 || r > len(c.hs.OutputChannels) {
		return fmt.Errorf("%w: %d channels, have %d outputs", ErrBlockShape, r, len(c.hs.OutputChannels))
	}
	return nil
}

// Start begins a session and returns its ID. With a nil gen the session only
// acquires. The reader stops by itself after maxSamples samples unless
// maxSamples is Unbounded. The generator's first block is made and checked
// here, so a misbehaving generator fails before any task is created.
func (c *Controller) Start(gen SampleGenerator, maxSamples int64) (uint64, error) {
	c.runLock.Lock()
	defer c.runLock.Unlock()
	if c.GetState() != Inactive {
		return 0, ErrAlreadyRunning
	}
	c.setState(Starting)

	var first *mat.Dense
	if gen != nil {
		var err error
		if first, err = generate(gen, 0, c.hs.FirstBlockSamples()); err == nil {
			err = c.checkBlock(first, c.hs.FirstBlockSamples(), 0)
		}
		if err != nil {
			c.setState(Inactive)
			return 0, err
		}
		c.saturate(first)
	}

	c.sessions++
	run := &acquisitionRun{
		id:    c.sessions,
		abort: make(chan struct{}),
		ready: make(chan struct{}),
	}
	c.samplesRead.Store(0)
	c.stateLock.Lock()
	c.run = run
	c.state = Active
	c.stateLock.Unlock()

	if gen != nil {
		c.runDone.Add(1)
		go c.writeLoop(run, gen, first)
	} else {
		close(run.ready)
	}
	c.runDone.Add(1)
	go c.readLoop(run, maxSamples)
	return run.id, nil
}

// Stop ends the session, waits for both loops to release their tasks, then
// sets every analog output to 0 V. Stop is a no-op when nothing runs.
func (c *Controller) Stop() error {
	c.runLock.Lock()
	defer c.runLock.Unlock()
	return c.stop()
}

// StopSession stops the session only if it is still the active one.
func (c *Controller) StopSession(id uint64) error {
	c.runLock.Lock()
	defer c.runLock.Unlock()
	if c.Session() != id {
		return nil
	}
	return c.stop()
}

func (c *Controller) stop() error {
	if c.GetState() == Inactive {
		return nil
	}
	c.setState(Stopping)
	c.stateLock.Lock()
	run := c.run
	c.stateLock.Unlock()
	run.cancel()
	c.runDone.Wait()

	err := c.resetOutputs()
	if err != nil {
		ProblemLogger.Printf("Could not zero analog outputs: %v", err)
	}
	c.stateLock.Lock()
	c.run = nil
	c.state = Inactive
	c.stateLock.Unlock()
	return err
}

// resetOutputs writes 0 V to every analog output with a software-timed task.
func (c *Controller) resetOutputs() error {
	task, err := c.device.NewOutputTask("ChReset")
	if err != nil {
		return err
	}
	defer task.Close()
	if err := task.ConfigureAnalogOutputChannels(c.hs.OutputNames(), c.outputRange()); err != nil {
		return err
	}
	if err := task.WriteStatic(make([]float64, len(c.hs.OutputChannels))); err != nil {
		return err
	}
	return task.Stop()
}

func (c *Controller) writeLoop(run *acquisitionRun, gen SampleGenerator, first *mat.Dense) {
	defer c.runDone.Done()
	task, err := c.device.NewOutputTask("EphysWrite")
	if err != nil {
		run.fail(fmt.Errorf("creating output task: %w", err))
		return
	}
	defer func() {
		task.Stop()
		task.Close()
	}()

	nch, nfirst := first.Dims()
	if err := c.armOutput(task, nch, first); err != nil {
		run.fail(fmt.Errorf("arming output: %w", err))
		return
	}
	close(run.ready)

	// A write blocked on a full buffer is released by stopping the task.
	writerDone := make(chan struct{})
	defer close(writerDone)
	go func() {
		select {
		case <-run.abort:
			task.Stop()
		case <-writerDone:
		}
	}()

	blockSize := c.hs.BlockSamples()
	next := int64(nfirst)
	ticker := time.NewTicker(c.hs.WriteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-run.abort:
			return
		case <-ticker.C:
		}
		block, err := generate(gen, next, blockSize)
		if err == nil && block == nil {
			// Output already queued on the device must still play out, so the
			// task lives until the session ends.
			UpdateLogger.Printf("Session %d: sample generator finished at sample %d", run.id, next)
			<-run.abort
			return
		}
		if err == nil {
			err = c.checkBlock(block, blockSize, nch)
		}
		if err != nil {
			run.fail(err)
			return
		}
		c.saturate(block)
		if err := task.WriteBlock(block); err != nil {
			select {
			case <-run.abort:
				return
			default:
			}
			run.fail(fmt.Errorf("writing output at sample %d: %w", next, err))
			return
		}
		next += int64(blockSize)
	}
}

func (c *Controller) armOutput(task daqhw.OutputTask, nch int, first *mat.Dense) error {
	if err := task.ConfigureAnalogOutputChannels(c.hs.OutputNames()[:nch], c.outputRange()); err != nil {
		return err
	}
	if err := task.ConfigureSampleClock(c.hs.Rate, daqhw.Rising, daqhw.ContinuousSamples); err != nil {
		return err
	}
	if err := task.ConfigureStartTrigger(c.hs.StartTrigger, daqhw.Rising); err != nil {
		return err
	}
	if err := task.AllowRegeneration(false); err != nil {
		return err
	}
	if err := task.WriteBlock(first); err != nil {
		return err
	}
	return task.Start()
}

func (c *Controller) readLoop(run *acquisitionRun, maxSamples int64) {
	defer c.runDone.Done()
	err := c.acquire(run, maxSamples)
	if err != nil {
		run.fail(err)
	}
	err = run.failure()
	if err != nil {
		ProblemLogger.Printf("Session %d: acquisition stopped unexpectedly: %v", run.id, err)
	}
	c.finishedLock.Lock()
	handlers := append([]FinishedHandler(nil), c.finished...)
	c.finishedLock.Unlock()
	go func() {
		for _, h := range handlers {
			h(run.id, err)
		}
	}()
}

// acquire runs the reader until abort, maxSamples, or a fault. The input task
// is released on every path out, including a panicking subscriber.
func (c *Controller) acquire(run *acquisitionRun, maxSamples int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reader panicked: %v", r)
		}
	}()
	task, err := c.device.NewInputTask("EphysRead")
	if err != nil {
		return fmt.Errorf("creating input task: %w", err)
	}
	defer func() {
		task.Stop()
		task.Close()
	}()
	r := daqhw.VoltageRange{Min: c.hs.VoltageMin, Max: c.hs.VoltageMax}
	if err := task.ConfigureAnalogInputChannels(c.hs.InputNames(), r); err != nil {
		return fmt.Errorf("configuring input: %w", err)
	}
	if err := task.ConfigureSampleClock(c.hs.Rate, daqhw.Rising, daqhw.ContinuousSamples); err != nil {
		return fmt.Errorf("configuring input clock: %w", err)
	}

	select {
	case <-run.ready:
	case <-run.abort:
		return nil
	}
	if err := task.Start(); err != nil {
		return fmt.Errorf("starting input: %w", err)
	}

	var index int64
	for maxSamples == Unbounded || index < maxSamples {
		select {
		case <-run.abort:
			return nil
		default:
		}
		avail, err := task.AvailableSamples()
		if err != nil {
			return fmt.Errorf("polling input at sample %d: %w", index, err)
		}
		if avail < c.hs.ReadThreshold {
			time.Sleep(readPollInterval)
			continue
		}
		if float64(avail) > c.hs.Rate {
			c.behind.Do(func() {
				ProblemLogger.Printf("Session %d: reader is %d samples behind the board", run.id, avail)
			})
		}
		n := int64(avail)
		if maxSamples != Unbounded && index+n > maxSamples {
			n = maxSamples - index
		}
		data, err := task.ReadSamples(int(n))
		if err != nil {
			return fmt.Errorf("reading input at sample %d: %w", index, err)
		}
		c.publish(AnalogBlock{StartIndex: index, Data: data})
		index += n
		c.samplesRead.Store(index)
	}
	return nil
}

// publish hands block to a snapshot of the subscribers, in registration order.
func (c *Controller) publish(block AnalogBlock) {
	c.subscriberLock.Lock()
	subs := make([]BlockSubscriber, len(c.subscribers))
	for i, s := range c.subscribers {
		subs[i] = s.fn
	}
	c.subscriberLock.Unlock()
	for _, fn := range subs {
		fn(block)
	}
}
