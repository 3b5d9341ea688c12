package daqhw

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var allInputs = []string{"Dev1/ai0", "Dev1/ai1", "Dev1/ai2", "Dev1/ai3", "Dev1/ai4", "Dev1/ai5", "Dev1/ai16"}

func waitForSamples(t *testing.T, in InputTask, n int) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		avail, err := in.AvailableSamples()
		require.NoError(t, err)
		if avail >= n {
			return avail
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("fewer than %d samples became available", n)
	return 0
}

func TestNoHardwareLoopback(t *testing.T) {
	nh := NewNoHardware("Dev1", SimConfig{Routes: DefaultWiring("Dev1", 2)})
	assert.Equal(t, "Dev1", nh.Name())
	require.NoError(t, nh.SetDigitalLine("Dev1/port0/line1", true))

	out, err := nh.NewOutputTask("AOTask")
	require.NoError(t, err)
	require.NoError(t, out.ConfigureAnalogOutputChannels([]string{"Dev1/AO0", "Dev1/AO1", "Dev1/AO2"}, VoltageRange{-10, 10}))
	require.NoError(t, out.ConfigureSampleClock(10000, Rising, ContinuousSamples))
	require.NoError(t, out.ConfigureStartTrigger("ai/StartTrigger", Rising))
	require.NoError(t, out.AllowRegeneration(false))
	block := mat.NewDense(3, 10000, nil)
	for j := 0; j < 10000; j++ {
		block.Set(0, j, 0.5)
		block.Set(1, j, -1.0)
		block.Set(2, j, 3.0)
	}
	require.NoError(t, out.WriteBlock(block))
	require.NoError(t, out.Start())

	in, err := nh.NewInputTask("AITask")
	require.NoError(t, err)
	require.NoError(t, in.ConfigureAnalogInputChannels(allInputs, VoltageRange{-10, 10}))
	require.NoError(t, in.ConfigureSampleClock(10000, Rising, ContinuousSamples))
	require.NoError(t, in.Start())

	n := waitForSamples(t, in, 20)
	data, err := in.ReadSamples(n)
	require.NoError(t, err)
	r, c := data.Dims()
	assert.Equal(t, 7, r)
	assert.Equal(t, n, c)
	for j := 0; j < c; j++ {
		if data.At(0, j) != 1.0 || data.At(1, j) != -2.0 {
			t.Fatalf("electrode rows at %d = %v, %v, want 1, -2", j, data.At(0, j), data.At(1, j))
		}
	}
	assert.Equal(t, 0.0, data.At(2, 0), "line0 is low")
	assert.Equal(t, 5.0, data.At(3, 0), "line1 is high")
	assert.Equal(t, 0.5, data.At(4, 0))
	assert.Equal(t, -1.0, data.At(5, 0))
	assert.Equal(t, 3.0, data.At(6, 0))

	require.NoError(t, in.Close())
	require.NoError(t, out.Close())
	assert.Equal(t, 3.0, nh.StaticLevel(2), "stopped output holds its last value")
	assert.NotEmpty(t, nh.Inspect())
}

func TestNoHardwareOrdering(t *testing.T) {
	nh := NewNoHardware("Dev1", SimConfig{})
	out, _ := nh.NewOutputTask("AOTask")
	if err := out.Start(); err == nil {
		t.Errorf("Start with no channels should fail")
	}
	if err := out.WriteBlock(mat.NewDense(1, 5, nil)); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("WriteBlock before configuring = %v, want ErrNotConfigured", err)
	}
	require.NoError(t, out.ConfigureAnalogOutputChannels([]string{"Dev1/AO0", "Dev1/AO1"}, VoltageRange{-10, 10}))
	if err := out.WriteBlock(mat.NewDense(3, 5, nil)); !errors.Is(err, ErrShape) {
		t.Errorf("WriteBlock with 3 rows = %v, want ErrShape", err)
	}
	require.NoError(t, out.ConfigureSampleClock(1000, Rising, ContinuousSamples))
	require.NoError(t, out.WriteBlock(mat.NewDense(2, 5, nil)))
	require.NoError(t, out.Start())

	in, _ := nh.NewInputTask("AITask")
	if _, err := in.AvailableSamples(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AvailableSamples before Start = %v, want ErrNotStarted", err)
	}
	if err := in.ConfigureAnalogInputChannels([]string{"Dev1/ai99"}, VoltageRange{-10, 10}); err == nil {
		t.Errorf("unrouted input channel should be rejected")
	}
	require.NoError(t, out.Close())
	assert.Equal(t, []string{"ao:write", "ao:start", "ao:stop"}, nh.Events())
}

func TestNoHardwareWriteBlocksUntilStopped(t *testing.T) {
	nh := NewNoHardware("Dev1", SimConfig{})
	out, _ := nh.NewOutputTask("AOTask")
	require.NoError(t, out.ConfigureAnalogOutputChannels([]string{"Dev1/AO0"}, VoltageRange{-10, 10}))
	require.NoError(t, out.ConfigureSampleClock(1000, Rising, ContinuousSamples))
	require.NoError(t, out.ConfigureStartTrigger("ai/StartTrigger", Rising))
	require.NoError(t, out.WriteBlock(mat.NewDense(1, 100, nil)))
	require.NoError(t, out.Start())

	// No input task was started, so the triggered output never drains.
	done := make(chan error)
	go func() {
		done <- out.WriteBlock(mat.NewDense(1, 100, nil))
	}()
	select {
	case err := <-done:
		t.Fatalf("WriteBlock into a full buffer returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, out.Stop())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Stop did not release a blocked WriteBlock")
	}
	out.Close()
}

func TestNoHardwareFaults(t *testing.T) {
	nh := NewNoHardware("Dev1", SimConfig{})
	nh.FailDigital(true)
	if err := nh.SetDigitalLine("Dev1/port0/line0", true); err == nil {
		t.Errorf("SetDigitalLine should fail when digital faults are injected")
	}
	nh.FailDigital(false)
	require.NoError(t, nh.SetDigitalLine("Dev1/port0/line0", true))
	assert.True(t, nh.DigitalLine("DEV1/PORT0/LINE0"))

	nh.FailReadsAfter(5)
	in, _ := nh.NewInputTask("AITask")
	require.NoError(t, in.ConfigureAnalogInputChannels([]string{"Dev1/ai2"}, VoltageRange{-10, 10}))
	require.NoError(t, in.ConfigureSampleClock(20000, Rising, ContinuousSamples))
	require.NoError(t, in.Start())
	waitForSamples(t, in, 5)
	data, err := in.ReadSamples(5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, data.At(0, 4))
	_, err = in.AvailableSamples()
	assert.Error(t, err)
	in.Close()
}

func TestOutputIndex(t *testing.T) {
	for name, want := range map[string]int{"Dev1/AO0": 0, "dev1/ao2": 2, "Dev2/AO15": 15} {
		got, err := outputIndex(name)
		if err != nil || got != want {
			t.Errorf("outputIndex(%q) = %d, %v, want %d", name, got, err, want)
		}
	}
	if _, err := outputIndex("Dev1/ai0"); err == nil {
		t.Errorf("outputIndex should reject an input channel")
	}
}

func TestVoltageRangeClamp(t *testing.T) {
	r := VoltageRange{0, 10}
	assert.Equal(t, 0.0, r.Clamp(-1))
	assert.Equal(t, 10.0, r.Clamp(12))
	assert.Equal(t, 5.0, r.Clamp(5))
}
