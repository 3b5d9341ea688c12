package daqhw

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"gonum.org/v1/gonum/mat"
)

// Route says where a simulated analog input channel takes its signal from.
// An input is either a scaled loopback of an analog output channel, or the
// 0 V / 5 V level of a digital line.
type Route struct {
	Output int     // analog output index looped back, or -1
	Line   string  // digital line reported when Output < 0
	Gain   float64 // volts in per volt out
	Noisy  bool    // add gaussian noise of SimConfig.NoiseVolts
}

// SimConfig configures a NoHardware device.
type SimConfig struct {
	Routes        map[string]Route // keyed by lower-case physical channel, e.g. "dev1/ai0"
	NoiseVolts    float64
	Seed          uint64
	BufferSeconds float64       // input buffer depth before an overrun is reported
	WriteTimeout  time.Duration // longest a WriteBlock may wait for room
}

// DefaultWiring loops the rig's outputs back onto its inputs the way the
// amplifier does: electrode reads follow the command outputs (scaled by
// electrodeGain), mode reads follow the mode lines, command and laser reads
// mirror their outputs exactly.
func DefaultWiring(device string, electrodeGain float64) map[string]Route {
	dev := strings.ToLower(device)
	return map[string]Route{
		dev + "/ai0":  {Output: 0, Gain: electrodeGain, Noisy: true},
		dev + "/ai1":  {Output: 1, Gain: electrodeGain, Noisy: true},
		dev + "/ai2":  {Output: -1, Line: dev + "/port0/line0"},
		dev + "/ai3":  {Output: -1, Line: dev + "/port0/line1"},
		dev + "/ai4":  {Output: 0, Gain: 1},
		dev + "/ai5":  {Output: 1, Gain: 1},
		dev + "/ai16": {Output: 2, Gain: 1},
	}
}

// NoHardware is a drop in replacement for a DAQ board (implements Device)
// that requires no hardware. Input is paced by the wall clock; output is a
// queue that the simulated clock drains and that is never regenerated.
type NoHardware struct {
	name         string
	cfg          SimConfig
	lines        map[string]bool
	staticLevels map[int]float64
	aiStart      time.Time
	active       *simOutput
	rng          *rand.Rand
	failAfter    int64
	failDigital  bool
	events       []string
	sync.Mutex
}

// NewNoHardware returns a simulated device called name.
func NewNoHardware(name string, cfg SimConfig) *NoHardware {
	if cfg.Routes == nil {
		cfg.Routes = DefaultWiring(name, 1)
	}
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &NoHardware{
		name:         name,
		cfg:          cfg,
		lines:        make(map[string]bool),
		staticLevels: make(map[int]float64),
		rng:          rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed)),
		failAfter:    -1,
	}
}

// Name returns the device name.
func (nh *NoHardware) Name() string {
	return nh.name
}

// SetDigitalLine drives a digital output line.
func (nh *NoHardware) SetDigitalLine(line string, value bool) error {
	nh.Lock()
	defer nh.Unlock()
	if nh.failDigital {
		return fmt.Errorf("NoHardware.SetDigitalLine(%s): simulated digital I/O failure", line)
	}
	line = strings.ToLower(line)
	nh.lines[line] = value
	nh.logEvent(fmt.Sprintf("do:%s=%t", line, value))
	return nil
}

// DigitalLine reports the last value written to line.
func (nh *NoHardware) DigitalLine(line string) bool {
	nh.Lock()
	defer nh.Unlock()
	return nh.lines[strings.ToLower(line)]
}

// StaticLevel reports the voltage an idle analog output holds.
func (nh *NoHardware) StaticLevel(output int) float64 {
	nh.Lock()
	defer nh.Unlock()
	return nh.staticLevels[output]
}

// FailReadsAfter makes input tasks report a device fault once n samples have
// been read. Negative n disables the fault.
func (nh *NoHardware) FailReadsAfter(n int64) {
	nh.Lock()
	defer nh.Unlock()
	nh.failAfter = n
}

// FailDigital makes SetDigitalLine return an error.
func (nh *NoHardware) FailDigital(fail bool) {
	nh.Lock()
	defer nh.Unlock()
	nh.failDigital = fail
}

// Events returns the ordered log of task operations, e.g. "ao:start".
func (nh *NoHardware) Events() []string {
	nh.Lock()
	defer nh.Unlock()
	return append([]string(nil), nh.events...)
}

// Inspect returns a dump of the simulator state.
func (nh *NoHardware) Inspect() string {
	nh.Lock()
	defer nh.Unlock()
	return spew.Sdump(nh.cfg, nh.lines, nh.staticLevels)
}

func (nh *NoHardware) logEvent(ev string) {
	nh.events = append(nh.events, ev)
}

// outputIndex parses the trailing number of an output channel such as "Dev1/AO2".
func outputIndex(name string) (int, error) {
	lower := strings.ToLower(name)
	i := strings.LastIndex(lower, "ao")
	if i < 0 {
		return 0, fmt.Errorf("not an analog output channel: %q", name)
	}
	return strconv.Atoi(lower[i+2:])
}

// outputValue returns the voltage on output index at absolute sample k of the
// input clock. Caller holds the lock.
func (nh *NoHardware) outputValue(output int, k int64) float64 {
	if o := nh.active; o != nil {
		for j, ch := range o.channels {
			if ch != output {
				continue
			}
			if len(o.history) == 0 {
				return nh.staticLevels[output]
			}
			idx := k - o.base
			if idx < 0 {
				idx = 0
			}
			if idx >= int64(len(o.history)) {
				idx = int64(len(o.history)) - 1
			}
			return o.history[idx][j]
		}
	}
	return nh.staticLevels[output]
}

// NewInputTask creates an analog input task.
func (nh *NoHardware) NewInputTask(name string) (InputTask, error) {
	return &simInput{dev: nh, name: name}, nil
}

// NewOutputTask creates an analog output task.
func (nh *NoHardware) NewOutputTask(name string) (OutputTask, error) {
	return &simOutput{dev: nh, name: name, regen: true}, nil
}

type simInput struct {
	dev      *NoHardware
	name     string
	channels []string
	rate     float64
	started  bool
	closed   bool
	start    time.Time
	read     int64
}

func (in *simInput) ConfigureAnalogInputChannels(names []string, r VoltageRange) error {
	in.dev.Lock()
	defer in.dev.Unlock()
	if in.closed {
		return ErrClosed
	}
	for _, n := range names {
		if _, ok := in.dev.cfg.Routes[strings.ToLower(n)]; !ok {
			return fmt.Errorf("NoHardware: no route for input channel %q", n)
		}
		in.channels = append(in.channels, strings.ToLower(n))
	}
	in.dev.logEvent("ai:configure")
	return nil
}

func (in *simInput) ConfigureSampleClock(rate float64, edge Edge, mode SampleMode) error {
	if rate <= 0 {
		return fmt.Errorf("NoHardware: invalid sample rate %v", rate)
	}
	in.rate = rate
	return nil
}

func (in *simInput) Start() error {
	in.dev.Lock()
	defer in.dev.Unlock()
	if in.closed {
		return ErrClosed
	}
	if len(in.channels) == 0 || in.rate == 0 {
		return ErrNotConfigured
	}
	in.started = true
	in.start = time.Now()
	in.read = 0
	in.dev.aiStart = in.start
	in.dev.logEvent("ai:start")
	return nil
}

func (in *simInput) AvailableSamples() (int, error) {
	in.dev.Lock()
	defer in.dev.Unlock()
	if !in.started {
		return 0, ErrNotStarted
	}
	if in.dev.failAfter >= 0 && in.read >= in.dev.failAfter {
		return 0, fmt.Errorf("NoHardware: simulated device disconnect after %d samples", in.read)
	}
	produced := int64(time.Since(in.start).Seconds() * in.rate)
	avail := produced - in.read
	if float64(avail) > in.dev.cfg.BufferSeconds*in.rate {
		return 0, ErrOverrun
	}
	return int(avail), nil
}

func (in *simInput) ReadSamples(n int) (*mat.Dense, error) {
	in.dev.Lock()
	defer in.dev.Unlock()
	if !in.started {
		return nil, ErrNotStarted
	}
	if n <= 0 {
		return nil, fmt.Errorf("NoHardware: cannot read %d samples", n)
	}
	nh := in.dev
	data := mat.NewDense(len(in.channels), n, nil)
	for row, chname := range in.channels {
		route := nh.cfg.Routes[chname]
		for j := 0; j < n; j++ {
			k := in.read + int64(j)
			var v float64
			if route.Output >= 0 {
				v = route.Gain * nh.outputValue(route.Output, k)
			} else if nh.lines[route.Line] {
				v = 5
			}
			if route.Noisy && nh.cfg.NoiseVolts > 0 {
				v += nh.cfg.NoiseVolts * nh.rng.NormFloat64()
			}
			data.Set(row, j, v)
		}
	}
	in.read += int64(n)
	if o := nh.active; o != nil && len(o.history) > 0 {
		drop := in.read - 1 - o.base
		if drop > int64(len(o.history))-1 {
			drop = int64(len(o.history)) - 1
		}
		if drop > 0 {
			o.history = o.history[drop:]
			o.base += drop
		}
	}
	return data, nil
}

func (in *simInput) Stop() error {
	in.dev.Lock()
	defer in.dev.Unlock()
	if in.started {
		in.started = false
		in.dev.aiStart = time.Time{}
		in.dev.logEvent("ai:stop")
	}
	return nil
}

func (in *simInput) Close() error {
	in.Stop()
	in.dev.Lock()
	defer in.dev.Unlock()
	in.closed = true
	return nil
}

type simOutput struct {
	dev       *NoHardware
	name      string
	channels  []int
	rate      float64
	triggered bool
	regen     bool
	capacity  int
	written   int64
	history   [][]float64
	base      int64
	started   bool
	stopped   bool
	closed    bool
	start     time.Time
}

func (o *simOutput) ConfigureAnalogOutputChannels(names []string, r VoltageRange) error {
	o.dev.Lock()
	defer o.dev.Unlock()
	if o.closed {
		return ErrClosed
	}
	for _, n := range names {
		idx, err := outputIndex(n)
		if err != nil {
			return err
		}
		o.channels = append(o.channels, idx)
	}
	return nil
}

func (o *simOutput) ConfigureSampleClock(rate float64, edge Edge, mode SampleMode) error {
	if rate <= 0 {
		return fmt.Errorf("NoHardware: invalid sample rate %v", rate)
	}
	o.rate = rate
	return nil
}

func (o *simOutput) ConfigureStartTrigger(source string, edge Edge) error {
	o.triggered = true
	return nil
}

func (o *simOutput) AllowRegeneration(allow bool) error {
	o.regen = allow
	return nil
}

// consumed is the number of samples the simulated output clock has used.
// Caller holds the lock.
func (o *simOutput) consumed() int64 {
	if !o.started {
		return 0
	}
	t0 := o.start
	if o.triggered {
		t0 = o.dev.aiStart
		if t0.IsZero() {
			return 0
		}
	}
	return int64(time.Since(t0).Seconds() * o.rate)
}

func (o *simOutput) WriteBlock(block *mat.Dense) error {
	nh := o.dev
	nh.Lock()
	defer nh.Unlock()
	if o.closed {
		return ErrClosed
	}
	if len(o.channels) == 0 {
		return ErrNotConfigured
	}
	r, c := block.Dims()
	if r != len(o.channels) {
		return ErrShape
	}
	if o.capacity < c {
		o.capacity = c
	}
	if o.started && !o.regen && o.consumed() > o.written {
		return ErrUnderflow
	}
	deadline := time.Now().Add(nh.cfg.WriteTimeout)
	for o.started && o.written-o.consumed()+int64(c) > int64(o.capacity) {
		if o.stopped {
			return ErrStopped
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("NoHardware: write timed out after %v waiting for buffer space", nh.cfg.WriteTimeout)
		}
		nh.Unlock()
		time.Sleep(time.Millisecond)
		nh.Lock()
		if o.closed {
			return ErrClosed
		}
	}
	for j := 0; j < c; j++ {
		o.history = append(o.history, mat.Col(nil, j, block))
	}
	o.written += int64(c)
	nh.logEvent("ao:write")
	return nil
}

func (o *simOutput) WriteStatic(values []float64) error {
	nh := o.dev
	nh.Lock()
	defer nh.Unlock()
	if o.closed {
		return ErrClosed
	}
	if len(values) != len(o.channels) {
		return ErrShape
	}
	for j, ch := range o.channels {
		nh.staticLevels[ch] = values[j]
	}
	nh.logEvent("ao:static")
	return nil
}

func (o *simOutput) Start() error {
	nh := o.dev
	nh.Lock()
	defer nh.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.written == 0 {
		return fmt.Errorf("NoHardware: output task %q started with an empty buffer", o.name)
	}
	o.started = true
	o.stopped = false
	o.start = time.Now()
	nh.active = o
	nh.logEvent("ao:start")
	return nil
}

// Stop may be called from another goroutine to abort a blocked WriteBlock.
func (o *simOutput) Stop() error {
	nh := o.dev
	nh.Lock()
	defer nh.Unlock()
	if !o.started || o.stopped {
		return nil
	}
	o.stopped = true
	if nh.active == o {
		if n := len(o.history); n > 0 {
			for j, ch := range o.channels {
				nh.staticLevels[ch] = o.history[n-1][j]
			}
		}
		nh.active = nil
	}
	nh.logEvent("ao:stop")
	return nil
}

func (o *simOutput) Close() error {
	o.Stop()
	o.dev.Lock()
	defer o.dev.Unlock()
	o.closed = true
	o.history = nil
	return nil
}
