package patchcommander

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patchlab/patchcommander/daqhw"
	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type testPublisher struct {
	sync.Mutex
	updates []ClientUpdate
}

func (tp *testPublisher) Publish(tag string, state interface{}) {
	tp.Lock()
	defer tp.Unlock()
	tp.updates = append(tp.updates, ClientUpdate{tag, state})
}

// tagged returns every state published under tag.
func (tp *testPublisher) tagged(tag string) []interface{} {
	tp.Lock()
	defer tp.Unlock()
	var out []interface{}
	for _, u := range tp.updates {
		if u.tag == tag {
			out = append(out, u.state)
		}
	}
	return out
}

func newTestRig(t *testing.T) (*Rig, *daqhw.NoHardware, *testPublisher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Hardware.Rate = 2000
	cfg.Recording.Directory = t.TempDir()
	nh := daqhw.NewNoHardware(cfg.Hardware.Device, daqhw.SimConfig{Routes: daqhw.DefaultWiring(cfg.Hardware.Device, 1)})
	tp := &testPublisher{}
	r, err := NewRig(cfg, nh, tp, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.StopAcquisition() })
	return r, nh, tp
}

func waitIdle(t *testing.T, r *Rig) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !r.StimExpRunning() && r.Controller().GetState() == Inactive
	}, 10*time.Second, 10*time.Millisecond)
}

func TestRigSealTest(t *testing.T) {
	r, nh, tp := newTestRig(t)
	require.NoError(t, r.SetSealTest(0, true))
	assert.Error(t, r.SaveSealWaveform(0, filepath.Join(t.TempDir(), "none.npy")), "no estimate yet")

	require.NoError(t, r.StartAcquisition())
	assert.ErrorIs(t, r.StartAcquisition(), ErrAlreadyRunning)
	require.Eventually(t, func() bool { return len(tp.tagged("SEALTEST")) > 0 }, 5*time.Second, 10*time.Millisecond)
	msg := tp.tagged("SEALTEST")[0].(SealTestMessage)
	assert.Equal(t, 0, msg.Channel)
	if assert.NotNil(t, msg.RSeal) {
		assert.Greater(t, *msg.RSeal, 0.0)
	}
	assert.Len(t, msg.Waveform, 200)

	r.publishLive()
	live := tp.tagged("LIVE")
	require.NotEmpty(t, live)
	assert.Equal(t, "VC", live[0].(LiveMessage).Mode)

	path := filepath.Join(t.TempDir(), "seal.npy")
	require.NoError(t, r.SaveSealWaveform(0, path))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var m mat.Dense
	require.NoError(t, npyio.Read(f, &m))
	rows, cols := m.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 200, cols)
	assert.Equal(t, 0.5, m.At(0, 1), "sample times in ms")

	require.NoError(t, r.StopAcquisition())
	assert.Equal(t, "Inactive", r.Status().State)
	assert.Equal(t, 0.0, nh.StaticLevel(0), "outputs zeroed on stop")
	assert.NotEmpty(t, tp.tagged("STATUS"))
}

func TestRigStartStop(t *testing.T) {
	r, _, _ := newTestRig(t)
	running, err := r.StartStop()
	require.NoError(t, err)
	assert.True(t, running)
	assert.True(t, r.Controller().Running())
	running, err = r.StartStop()
	require.NoError(t, err)
	assert.False(t, running)
	assert.False(t, r.Controller().Running())
}

func TestRigCurrentSteps(t *testing.T) {
	r, nh, _ := newTestRig(t)
	require.NoError(t, r.SetBaseName(0, "fish3"))
	require.NoError(t, r.StartAcquisition())

	p := CurrentStepParams{Channel: 0, Steps: 2, PrePostMs: 100, StimMs: 200, FirstPA: 0, LastPA: 100}
	require.NoError(t, r.RunCurrentSteps(p))
	assert.Error(t, r.RunCurrentSteps(p), "one experiment at a time")
	assert.Equal(t, CurrentClamp, r.Controller().ClampMode(0))
	assert.False(t, nh.DigitalLine("dev1/port0/line0"))
	waitIdle(t, r)

	st := r.Status()
	assert.False(t, st.Recording.Active)
	assert.Equal(t, int64(1600), st.Recording.Records)
	raw, err := os.ReadFile(st.Recording.DataFile)
	require.NoError(t, err)
	require.Len(t, raw, 1600*RecordSize)
	first := DecodeRecord(raw)
	last := DecodeRecord(raw[1599*RecordSize:])
	assert.Equal(t, int64(0), first.Index)
	assert.Equal(t, int64(1599), last.Index)
	assert.False(t, first.Mode, "current clamp")
	// The second step injects 100 pA during its stimulus phase.
	stim := DecodeRecord(raw[(800+300)*RecordSize:])
	assert.InDelta(t, 0.25, stim.Command, 1e-6)

	info, err := os.ReadFile(strings.TrimSuffix(st.Recording.DataFile, ".data") + ".info")
	require.NoError(t, err)
	text := string(info)
	assert.True(t, strings.HasPrefix(text, "fish3_info_d = {\n'Experiment type': 'Current steps',\n"))
	for _, line := range []string{"'n_steps': '2',", "'pre_post_ms': '100',", "'stim_ms': '200',",
		"'first_pA': '0',", "'last_pA': '100',", "'channel': '1',"} {
		assert.Contains(t, text, line)
	}
}

func TestRigLaserSteps(t *testing.T) {
	r, nh, _ := newTestRig(t)
	require.NoError(t, r.Controller().SetClampMode(0, CurrentClamp))
	p := LaserStepParams{Channel: 0, Steps: 1, PrePostS: 0, StimS: 1, LaserMA: 2000, HoldV: true, HoldMV: -40}
	require.NoError(t, r.RunLaserSteps(p))
	assert.Equal(t, VoltageClamp, r.Controller().ClampMode(0))
	assert.True(t, nh.DigitalLine("dev1/port0/line0"))
	waitIdle(t, r)

	st := r.Status()
	assert.Equal(t, int64(2000), st.Recording.Records)
	raw, err := os.ReadFile(st.Recording.DataFile)
	require.NoError(t, err)
	rec := DecodeRecord(raw[RecordSize*10:])
	assert.True(t, rec.Mode)
	assert.InDelta(t, -2.0, rec.Command, 1e-6, "holding -40 mV")
	assert.InDelta(t, 5.0, rec.Laser, 1e-6, "2000 mA")

	info, err := os.ReadFile(strings.TrimSuffix(st.Recording.DataFile, ".data") + ".info")
	require.NoError(t, err)
	assert.Contains(t, string(info), "'hold_V': 'True',")
	assert.Contains(t, string(info), "'holding_mV': '-40',")
	assert.Contains(t, string(info), "'stim_mA': '2000',")
}

func TestRigReaderFault(t *testing.T) {
	r, nh, tp := newTestRig(t)
	nh.FailReadsAfter(500)
	_, err := r.StartRecording(1)
	require.NoError(t, err)
	require.NoError(t, r.StartAcquisition())
	require.Eventually(t, func() bool {
		st := r.Status()
		return st.State == "Inactive" && !st.Recording.Active
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), r.Status().Session)
	assert.NotEmpty(t, tp.tagged("STATUS"))

	// The rig can start again afterwards.
	nh.FailReadsAfter(-1)
	require.NoError(t, r.StartAcquisition())
	require.NoError(t, r.StopAcquisition())
}

func TestRigChannelSettings(t *testing.T) {
	r, _, tp := newTestRig(t)
	assert.ErrorIs(t, r.SetHolding(2, true, -70), ErrChannelIndex)
	assert.ErrorIs(t, r.SetInjection(-1, true, 10), ErrChannelIndex)
	assert.ErrorIs(t, r.SetSealTest(5, true), ErrChannelIndex)
	assert.ErrorIs(t, r.SetClampMode(2, VoltageClamp), ErrChannelIndex)
	assert.ErrorIs(t, r.RunCurrentSteps(CurrentStepParams{Channel: 3, Steps: 1, StimMs: 1}), ErrChannelIndex)
	assert.Error(t, r.SetBaseName(0, ""))

	require.NoError(t, r.SetHolding(1, true, -70))
	require.NoError(t, r.SetInjection(0, true, 25))
	st := r.Status()
	assert.Equal(t, ChannelSnapshot{Holding: true, HoldingMV: -70}, st.Channels[1])
	assert.Equal(t, ChannelSnapshot{Injecting: true, InjectionPA: 25}, st.Channels[0])

	require.NoError(t, r.SetClampMode(1, CurrentClamp))
	modes := tp.tagged("CLAMPMODE")
	require.Len(t, modes, 1)
	assert.Equal(t, [2]string{"VC", "CC"}, modes[0])
}

func TestRigCompanion(t *testing.T) {
	r, _, _ := newTestRig(t)
	ft := newFakeTransport(0)
	r.lock.Lock()
	r.attachTransport(ft)
	r.lock.Unlock()
	assert.True(t, r.Status().PipeConnected)

	require.NoError(t, r.StartAcquisition())
	require.Eventually(t, func() bool { return len(ft.received()) > 100 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.StopAcquisition())
	r.DisconnectCompanion()
	assert.False(t, r.Status().PipeConnected)
	ft.Lock()
	assert.True(t, ft.closed)
	ft.Unlock()
	for _, line := range ft.received() {
		if line != StillCommand {
			t.Fatalf("companion received %q from a quiet rig, want %q", line, StillCommand)
		}
	}
}

func TestRigHoldingSaturates(t *testing.T) {
	r, _, _ := newTestRig(t)
	require.NoError(t, r.SetHolding(0, true, 300))
	var lock sync.Mutex
	last := 0.0
	r.Controller().Subscribe(func(b AnalogBlock) {
		lock.Lock()
		defer lock.Unlock()
		last = b.Row(RowCommand1)[b.Len()-1]
	})
	require.NoError(t, r.StartAcquisition())
	require.Eventually(t, func() bool { return r.Controller().SamplesRead() > 500 }, 5*time.Second, 10*time.Millisecond)
	lock.Lock()
	assert.Equal(t, 10.0, last, "a 300 mV hold asks for 15 V and gets the 10 V maximum")
	lock.Unlock()
}
