package patchcommander

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHardware(rate float64) HardwareSettings {
	hs := DefaultHardwareSettings()
	hs.Rate = rate
	return hs
}

func TestStepCurrentEndpoints(t *testing.T) {
	p := CurrentStepParams{Steps: 5, FirstPA: 0, LastPA: 100}
	if c := p.StepCurrent(0); c != 0 {
		t.Errorf("StepCurrent(0) = %v, want exactly 0", c)
	}
	if c := p.StepCurrent(4); c != 100 {
		t.Errorf("StepCurrent(4) = %v, want exactly 100", c)
	}
	assert.InDelta(t, 50.0, p.StepCurrent(2), 1e-12)

	// Awkward endpoints are still reproduced exactly.
	p = CurrentStepParams{Steps: 7, FirstPA: -33.3, LastPA: 71.9}
	if c := p.StepCurrent(0); c != -33.3 {
		t.Errorf("StepCurrent(0) = %v, want exactly -33.3", c)
	}
	if c := p.StepCurrent(6); c != 71.9 {
		t.Errorf("StepCurrent(6) = %v, want exactly 71.9", c)
	}
	p.Steps = 1
	assert.Equal(t, -33.3, p.StepCurrent(0))
}

func TestCurrentStepGenerator(t *testing.T) {
	hs := testHardware(1000)
	p := CurrentStepParams{Channel: 0, Steps: 5, PrePostMs: 100, StimMs: 200, FirstPA: 0, LastPA: 100}
	require.NoError(t, p.Validate())
	assert.Equal(t, int64(2000), p.TotalSamples(hs.Rate))
	g := NewCurrentStepGenerator(p, hs)

	out := g.Generate(1600, 400)
	require.NotNil(t, out)
	r, c := out.Dims()
	assert.Equal(t, NumOutputRows, r)
	assert.Equal(t, 400, c)
	assert.Equal(t, 0.0, out.At(OutCommand1, 99), "pre phase")
	assert.Equal(t, 0.25, out.At(OutCommand1, 100), "first stimulus sample")
	assert.Equal(t, 0.25, out.At(OutCommand1, 299), "last stimulus sample")
	assert.Equal(t, 0.0, out.At(OutCommand1, 300), "post phase")
	for j := 0; j < c; j++ {
		if out.At(OutCommand2, j) != 0 || out.At(OutLaser, j) != 0 {
			t.Fatalf("sample %d: unused outputs must stay at 0", j)
		}
	}

	step1 := g.Generate(400, 400)
	assert.Equal(t, hs.PicoAmpsToCommand(25), step1.At(OutCommand1, 150))

	// A block straddling the end is padded with zeros; past the end, nothing.
	tail := g.Generate(1900, 200)
	require.NotNil(t, tail)
	assert.Equal(t, 0.0, tail.At(OutCommand1, 150))
	assert.Nil(t, g.Generate(2000, 200))

	p.Channel = 1
	g = NewCurrentStepGenerator(p, hs)
	out = g.Generate(1600, 400)
	assert.Equal(t, 0.25, out.At(OutCommand2, 100))
	assert.Equal(t, 0.0, out.At(OutCommand1, 100))

	p.Channel = 2
	assert.ErrorIs(t, p.Validate(), ErrChannelIndex)
	p.Channel = 0
	p.Steps = 0
	assert.Error(t, p.Validate())
}

func TestLaserStepGenerator(t *testing.T) {
	hs := testHardware(10)
	p := LaserStepParams{Channel: 0, Steps: 2, PrePostS: 1, StimS: 2, LaserMA: 8000, HoldV: true, HoldMV: -40}
	require.NoError(t, p.Validate())
	assert.Equal(t, int64(80), p.TotalSamples(hs.Rate))
	g := NewLaserStepGenerator(p, hs)
	out := g.Generate(0, 80)
	require.NotNil(t, out)
	want := map[int]float64{0: 0, 9: 0, 10: 10, 29: 10, 30: 0, 49: 0, 50: 10, 69: 10, 70: 0, 79: 0}
	for j, v := range want {
		if got := out.At(OutLaser, j); got != v {
			t.Errorf("laser at %d = %v, want %v", j, got, v)
		}
	}
	for j := 0; j < 80; j++ {
		if out.At(OutCommand1, j) != -2 {
			t.Fatalf("holding command at %d = %v, want -2", j, out.At(OutCommand1, j))
		}
	}
	assert.Nil(t, g.Generate(80, 10))

	p.HoldV = false
	p.LaserMA = 2000
	g = NewLaserStepGenerator(p, hs)
	out = g.Generate(0, 40)
	assert.Equal(t, 0.0, out.At(OutCommand1, 15))
	assert.Equal(t, 5.0, out.At(OutLaser, 15))
}

func TestHoldGenerator(t *testing.T) {
	hs := testHardware(1000)
	st := SealTestSettings{Frequency: 10, StepMV: 10}
	var channels [2]ChannelState
	modes := [2]ClampMode{VoltageClamp, CurrentClamp}
	g := NewHoldGenerator(hs, st, func(ch int) ClampMode { return modes[ch] }, &channels)

	out := g.Generate(0, 200)
	for j := 0; j < 200; j++ {
		for row := 0; row < NumOutputRows; row++ {
			if out.At(row, j) != 0 {
				t.Fatalf("idle output row %d sample %d = %v, want 0", row, j, out.At(row, j))
			}
		}
	}

	channels[0].Holding.Store(true)
	channels[0].HoldingMV.Store(-40)
	channels[0].SealTest.Store(true)
	channels[1].Injecting.Store(true)
	channels[1].InjectionPA.Store(200)
	channels[1].SealTest.Store(true) // ignored in current clamp

	out = g.Generate(990, 20)
	assert.Equal(t, -2.0, out.At(OutCommand1, 0), "off phase holds")
	assert.Equal(t, -1.5, out.At(OutCommand1, 10), "template wraps at one second")
	assert.Equal(t, 0.5, out.At(OutCommand2, 0))
	assert.Equal(t, 0.5, out.At(OutCommand2, 19))

	// Blocks that do not cross the end of the template read it straight through.
	template := SealTestTemplate(hs, st)
	out = g.Generate(200, 200)
	for j := 0; j < 200; j++ {
		if out.At(OutCommand1, j) != template[200+j]-2 {
			t.Fatalf("sample %d = %v, want %v", j, out.At(OutCommand1, j), template[200+j]-2)
		}
	}

	// Holding is a voltage clamp setting; in current clamp only injection applies.
	modes[0] = CurrentClamp
	out = g.Generate(0, 10)
	assert.Equal(t, 0.0, out.At(OutCommand1, 0))
}
