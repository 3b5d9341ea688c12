package patchcommander

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// HoldGenerator produces the passive output: each channel holds a voltage (in
// voltage clamp) or injects a current (in current clamp) when asked to, with
// the seal test square wave added in voltage clamp when the seal test is on.
type HoldGenerator struct {
	hs       HardwareSettings
	mode     func(ch int) ClampMode
	channels *[2]ChannelState
	template []float64
}

// NewHoldGenerator returns a generator reading clamp modes from mode and the
// per-channel settings from channels on every block.
func NewHoldGenerator(hs HardwareSettings, st SealTestSettings, mode func(ch int) ClampMode,
	channels *[2]ChannelState) *HoldGenerator {
	return &HoldGenerator{
		hs:       hs,
		mode:     mode,
		channels: channels,
		template: SealTestTemplate(hs, st),
	}
}

// SealTestTemplate returns one second of the seal test square wave: StepMV
// during the first half of each period, 0 during the second.
func SealTestTemplate(hs HardwareSettings, st SealTestSettings) []float64 {
	n := int(hs.Rate)
	if m := int(2 * st.Frequency); m == 0 || n%m != 0 {
		ProblemLogger.Printf("seal test frequency %v Hz does not divide rate %v evenly", st.Frequency, hs.Rate)
	}
	perPeriod := int(hs.Rate / st.Frequency)
	on := perPeriod / 2
	high := hs.MilliVoltsToCommand(st.StepMV)
	template := make([]float64, n)
	for i := range template {
		if i%perPeriod < on {
			template[i] = high
		}
	}
	return template
}

// offset is the constant command on channel ch.
func (hg *HoldGenerator) offset(ch int, mode ClampMode) float64 {
	cs := &hg.channels[ch]
	if mode == VoltageClamp {
		if cs.Holding.Load() {
			return hg.hs.MilliVoltsToCommand(cs.HoldingMV.Load())
		}
		return 0
	}
	if cs.Injecting.Load() {
		return hg.hs.PicoAmpsToCommand(cs.InjectionPA.Load())
	}
	return 0
}

// Generate implements SampleGenerator. It never ends on its own.
func (hg *HoldGenerator) Generate(start int64, n int) *mat.Dense {
	out := mat.NewDense(NumOutputRows, n, nil)
	period := int64(len(hg.template))
	for ch := 0; ch < 2; ch++ {
		mode := hg.mode(ch)
		offset := hg.offset(ch, mode)
		seal := mode == VoltageClamp && hg.channels[ch].SealTest.Load()
		row := out.RawRowView(OutCommand1 + ch)
		for i := range row {
			row[i] = offset
			if seal {
				row[i] += hg.template[(start+int64(i))%period]
			}
		}
	}
	return out
}

// CurrentStepParams describes a current step experiment: Steps repetitions of
// a pre phase, a stimulus and a post phase, with the stimulus current stepping
// linearly from FirstPA to LastPA.
type CurrentStepParams struct {
	Channel   int // 0 or 1
	Steps     int
	PrePostMs int64
	StimMs    int64
	FirstPA   float64
	LastPA    float64
}

// DefaultCurrentStepParams returns the standard current step protocol.
func DefaultCurrentStepParams() CurrentStepParams {
	return CurrentStepParams{Steps: 5, PrePostMs: 1000, StimMs: 10000, FirstPA: 0, LastPA: 100}
}

// Validate checks the parameters before any hardware is touched.
func (p CurrentStepParams) Validate() error {
	if err := checkChannel(p.Channel); err != nil {
		return err
	}
	if p.Steps < 1 || p.PrePostMs < 0 || p.StimMs < 1 {
		return fmt.Errorf("current steps: need steps >= 1, pre/post >= 0 and stim >= 1 ms, have %d, %d, %d",
			p.Steps, p.PrePostMs, p.StimMs)
	}
	return nil
}

// TotalSamples is the length of the whole experiment.
func (p CurrentStepParams) TotalSamples(rate float64) int64 {
	return int64(p.Steps) * (p.StimMs + 2*p.PrePostMs) * int64(rate) / 1000
}

// StepCurrent is the stimulus current of step k. Steps 0 and Steps-1 give
// exactly FirstPA and LastPA.
func (p CurrentStepParams) StepCurrent(k int) float64 {
	if p.Steps <= 1 {
		return p.FirstPA
	}
	t := float64(k) / float64(p.Steps-1)
	return p.FirstPA*(1-t) + p.LastPA*t
}

// stepPhases locates sample s in the step timeline: which step, and whether
// it falls in the stimulus phase [pre, pre+stim).
type stepPhases struct {
	steps   int64
	prePost int64
	stim    int64
}

func (sp stepPhases) at(s int64) (step int64, stimulating bool) {
	length := sp.stim + 2*sp.prePost
	if length == 0 {
		return 0, false
	}
	step = s / length
	ph := s % length
	return step, step < sp.steps && ph >= sp.prePost && ph < sp.prePost+sp.stim
}

func (sp stepPhases) total() int64 {
	return sp.steps * (sp.stim + 2*sp.prePost)
}

// CurrentStepGenerator produces the current step experiment output.
type CurrentStepGenerator struct {
	params CurrentStepParams
	hs     HardwareSettings
	phases stepPhases
}

// NewCurrentStepGenerator returns a generator for p at the rate of hs.
func NewCurrentStepGenerator(p CurrentStepParams, hs HardwareSettings) *CurrentStepGenerator {
	rate := int64(hs.Rate)
	return &CurrentStepGenerator{
		params: p,
		hs:     hs,
		phases: stepPhases{
			steps:   int64(p.Steps),
			prePost: p.PrePostMs * rate / 1000,
			stim:    p.StimMs * rate / 1000,
		},
	}
}

// Generate implements SampleGenerator. It returns nil once start is past the
// end of the last step.
func (g *CurrentStepGenerator) Generate(start int64, n int) *mat.Dense {
	if start >= g.phases.total() {
		return nil
	}
	out := mat.NewDense(NumOutputRows, n, nil)
	row := out.RawRowView(OutCommand1 + g.params.Channel)
	for i := range row {
		if step, on := g.phases.at(start + int64(i)); on {
			row[i] = g.hs.PicoAmpsToCommand(g.params.StepCurrent(int(step)))
		}
	}
	return out
}

// LaserStepParams describes a laser step experiment: Steps repetitions of a
// pre phase, a laser pulse and a post phase (in seconds), optionally holding
// the recording channel at HoldMV throughout.
type LaserStepParams struct {
	Channel  int
	Steps    int
	PrePostS int64
	StimS    int64
	LaserMA  float64
	HoldV    bool
	HoldMV   float64
}

// DefaultLaserStepParams returns the standard laser step protocol.
func DefaultLaserStepParams() LaserStepParams {
	return LaserStepParams{Steps: 5, PrePostS: 10, StimS: 20, LaserMA: 2000, HoldV: false, HoldMV: -40}
}

// Validate checks the parameters before any hardware is touched.
func (p LaserStepParams) Validate() error {
	if err := checkChannel(p.Channel); err != nil {
		return err
	}
	if p.Steps < 1 || p.PrePostS < 0 || p.StimS < 1 {
		return fmt.Errorf("laser steps: need steps >= 1, pre/post >= 0 and stim >= 1 s, have %d, %d, %d",
			p.Steps, p.PrePostS, p.StimS)
	}
	return nil
}

// TotalSamples is the length of the whole experiment.
func (p LaserStepParams) TotalSamples(rate float64) int64 {
	return int64(p.Steps) * (p.StimS + 2*p.PrePostS) * int64(rate)
}

// LaserStepGenerator produces the laser step experiment output.
type LaserStepGenerator struct {
	params LaserStepParams
	hs     HardwareSettings
	phases stepPhases
}

// NewLaserStepGenerator returns a generator for p at the rate of hs.
func NewLaserStepGenerator(p LaserStepParams, hs HardwareSettings) *LaserStepGenerator {
	rate := int64(hs.Rate)
	return &LaserStepGenerator{
		params: p,
		hs:     hs,
		phases: stepPhases{
			steps:   int64(p.Steps),
			prePost: p.PrePostS * rate,
			stim:    p.StimS * rate,
		},
	}
}

// Generate implements SampleGenerator. It returns nil once start is past the
// end of the last step.
func (g *LaserStepGenerator) Generate(start int64, n int) *mat.Dense {
	if start >= g.phases.total() {
		return nil
	}
	out := mat.NewDense(NumOutputRows, n, nil)
	hold := 0.0
	if g.params.HoldV {
		hold = g.hs.MilliVoltsToCommand(g.params.HoldMV)
	}
	laserOn := g.hs.LaserVolts(g.params.LaserMA)
	cmd := out.RawRowView(OutCommand1 + g.params.Channel)
	laser := out.RawRowView(OutLaser)
	for i := range cmd {
		cmd[i] = hold
		if _, on := g.phases.at(start + int64(i)); on {
			laser[i] = laserOn
		}
	}
	return out
}
