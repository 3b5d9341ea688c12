package patchcommander

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/patchlab/patchcommander/daqhw"
	"github.com/patchlab/patchcommander/internal/sessiondb"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// StatusPublisher broadcasts tagged state to clients.
type StatusPublisher interface {
	Publish(tag string, state interface{})
}

// RigStatus is the state that the rig reports to clients.
type RigStatus struct {
	State          string
	Session        uint64
	SamplesRead    int64
	Experiment     string
	StimExpRunning bool
	ClampModes     [2]string
	Channels       [2]ChannelSnapshot
	BaseNames      [2]string
	Recording      RecordingStatus
	PipeConnected  bool
	PipePending    int
	PipeWritten    int64
}

// SealTestMessage is a seal test estimate as published to clients. The
// resistances are nil when they are undefined (no current flowed).
type SealTestMessage struct {
	Channel     int
	RSeal       *float64
	RMembrane   *float64
	Waveform    []float64
	SampleIndex int64
}

// LiveMessage carries the live trace points of one channel since the last message.
type LiveMessage struct {
	Channel int
	Rate    float64
	Mode    string
	Points  []float64
}

// Rig ties the controller to everything that consumes or drives it: the
// output generators, seal test, tail filter and companion pipe, live view,
// recorder, session database and status publisher.
type Rig struct {
	cfg        Config
	controller *Controller
	channels   [2]ChannelState
	tail       *TailFilter
	bridge     *PipeBridge
	seal       [2]*SealEstimator
	live       [2]*LiveDecimator
	recorder   *Recorder
	db         *sessiondb.Connection
	publisher  StatusPublisher

	lock           sync.Mutex // serializes operations
	baseNames      [2]string
	stimExpRunning bool
	session        uint64
	sessionID      string
	sessionStart   time.Time
	experiment     string
	maxSamples     int64
	recordingStart time.Time

	pipeCancel context.CancelFunc
	pipeDone   chan struct{}
}

// NewRig builds the controller on device and subscribes the processing
// pipeline to it. db may be nil.
func NewRig(cfg Config, device daqhw.Device, publisher StatusPublisher, db *sessiondb.Connection) (*Rig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	controller, err := NewController(device, cfg.Hardware)
	if err != nil {
		return nil, err
	}
	hs := cfg.Hardware
	r := &Rig{
		cfg:        cfg,
		controller: controller,
		recorder:   NewRecorder(cfg.Recording.Directory, hs),
		db:         db,
		publisher:  publisher,
		baseNames:  [2]string{"Exp", "Exp"},
	}
	r.tail = NewTailFilter(cfg.Tail, nil)
	for ch := 0; ch < 2; ch++ {
		active := func() bool {
			return r.channels[ch].SealTest.Load() && controller.ClampMode(ch) == VoltageClamp
		}
		r.seal[ch] = NewSealEstimator(ch, hs.Rate, cfg.SealTest, hs.ReadPAPerV, active, r.publishSeal)
		r.live[ch] = NewLiveDecimator(ch, hs, controller.ClampMode)
	}

	controller.Subscribe(r.tail.ProcessBlock)
	for ch := 0; ch < 2; ch++ {
		controller.Subscribe(r.seal[ch].ProcessBlock)
		controller.Subscribe(r.live[ch].ProcessBlock)
	}
	controller.Subscribe(r.recorder.Consume)
	controller.OnReaderFinished(r.readerFinished)
	return r, nil
}

// Controller returns the DAQ controller the rig drives.
func (r *Rig) Controller() *Controller {
	return r.controller
}

// Channel returns the settings of electrode channel ch.
func (r *Rig) Channel(ch int) (*ChannelState, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	return &r.channels[ch], nil
}

func (r *Rig) publish(tag string, state interface{}) {
	if r.publisher != nil {
		r.publisher.Publish(tag, state)
	}
}

func finiteOrNil(x float64) *float64 {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return nil
	}
	return &x
}

func (r *Rig) publishSeal(res SealTestResult) {
	r.publish("SEALTEST", SealTestMessage{
		Channel:     res.Channel,
		RSeal:       finiteOrNil(res.RSeal),
		RMembrane:   finiteOrNil(res.RMembrane),
		Waveform:    res.Waveform,
		SampleIndex: res.SampleIndex,
	})
}

// ConnectCompanion launches the companion process and feeds it tail commands
// through a pipe bridge until DisconnectCompanion.
func (r *Rig) ConnectCompanion(name string, args ...string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.bridge != nil {
		return errors.New("a companion process is already connected")
	}
	transport, err := StartProcessTransport(name, args...)
	if err != nil {
		return err
	}
	r.attachTransport(transport)
	return nil
}

// attachTransport starts a bridge onto transport. Caller holds r.lock.
func (r *Rig) attachTransport(transport LineTransport) {
	capacity := r.cfg.Pipe.Capacity
	if capacity < 1 {
		capacity = 1
	}
	bridge := NewPipeBridge(capacity)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bridge.Run(ctx, transport)
	}()
	r.bridge = bridge
	r.pipeCancel = cancel
	r.pipeDone = done
	r.tail.SetSink(bridge)
}

// DisconnectCompanion stops the pipe bridge and the companion process.
func (r *Rig) DisconnectCompanion() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.bridge == nil {
		return
	}
	r.tail.SetSink(nil)
	r.pipeCancel()
	<-r.pipeDone
	r.bridge = nil
}

// resetProcessors clears all per-session state of the pipeline.
func (r *Rig) resetProcessors() {
	r.tail.Reset()
	for ch := 0; ch < 2; ch++ {
		r.seal[ch].Reset()
		r.live[ch].Reset()
	}
}

// startSession starts the controller. Caller holds r.lock.
func (r *Rig) startSession(gen SampleGenerator, maxSamples int64, experiment string) error {
	r.resetProcessors()
	id, err := r.controller.Start(gen, maxSamples)
	if err != nil {
		return err
	}
	r.session = id
	r.sessionID = ulid.Make().String()
	r.sessionStart = time.Now()
	r.experiment = experiment
	r.maxSamples = maxSamples
	r.db.RecordSession(sessiondb.SessionMessage{
		ID:         r.sessionID,
		Session:    id,
		Experiment: experiment,
		Rate:       r.cfg.Hardware.Rate,
		MaxSamples: maxSamples,
		Start:      r.sessionStart,
	})
	UpdateLogger.Printf("Session %d (%s) started: %s", id, r.sessionID, experiment)
	return nil
}

// endSession logs the end of session id. Caller holds r.lock.
func (r *Rig) endSession(id uint64, failure error) {
	if id == 0 || id != r.session {
		return
	}
	msg := sessiondb.SessionMessage{
		ID:         r.sessionID,
		Session:    id,
		Experiment: r.experiment,
		Rate:       r.cfg.Hardware.Rate,
		MaxSamples: r.maxSamples,
		Start:      r.sessionStart,
		End:        time.Now(),
	}
	if failure != nil {
		msg.Error = failure.Error()
	}
	r.db.RecordSession(msg)
	r.session = 0
}

// StartAcquisition starts free-running acquisition with the hold generator.
func (r *Rig) StartAcquisition() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.controller.GetState() != Inactive {
		return ErrAlreadyRunning
	}
	gen := NewHoldGenerator(r.cfg.Hardware, r.cfg.SealTest, r.controller.ClampMode, &r.channels)
	err := r.startSession(gen.Generate, Unbounded, "Free run")
	r.broadcastStatus()
	return err
}

// StopAcquisition stops acquisition and any recording.
func (r *Rig) StopAcquisition() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	err := r.stopAll(nil)
	r.broadcastStatus()
	return err
}

// stopAll stops the controller, the recording and any stimulus experiment.
// Caller holds r.lock.
func (r *Rig) stopAll(failure error) error {
	id := r.controller.Session()
	err := r.controller.Stop()
	if rerr := r.stopRecording(); err == nil {
		err = rerr
	}
	r.endSession(id, failure)
	r.stimExpRunning = false
	return err
}

// StartStop toggles acquisition and reports whether it now runs.
func (r *Rig) StartStop() (bool, error) {
	if r.controller.GetState() != Inactive {
		return false, r.StopAcquisition()
	}
	if err := r.StartAcquisition(); err != nil {
		return false, err
	}
	return true, nil
}

// readerFinished ends a session whose reader stopped by itself: an
// experiment that reached its length, or a fault.
func (r *Rig) readerFinished(id uint64, failure error) {
	if err := r.controller.StopSession(id); err != nil {
		ProblemLogger.Printf("Session %d: %v", id, err)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if id != r.session {
		return
	}
	if r.stimExpRunning || failure != nil {
		if err := r.stopRecording(); err != nil {
			ProblemLogger.Printf("Session %d: closing recording: %v", id, err)
		}
	}
	if r.stimExpRunning {
		UpdateLogger.Printf("Session %d: %s finished", id, r.experiment)
	}
	r.stimExpRunning = false
	r.endSession(id, failure)
	r.broadcastStatus()
}

// runExperiment stops whatever runs, prepares the channel mode and recording,
// then starts gen. Caller holds r.lock.
func (r *Rig) runExperiment(ch int, mode ClampMode, info ExperimentInfo, gen SampleGenerator, total int64) error {
	if r.stimExpRunning {
		return errors.New("a stimulus experiment is already running")
	}
	if err := r.stopAll(nil); err != nil {
		ProblemLogger.Printf("Stopping before %s: %v", info.Get("Experiment type"), err)
	}
	if err := r.controller.SetClampMode(ch, mode); err != nil && !errors.Is(err, ErrNoDigitalIO) {
		return err
	}
	r.stimExpRunning = true
	if err := r.startRecording(ch, info); err != nil {
		r.stimExpRunning = false
		return err
	}
	if err := r.startSession(gen, total, info.Get("Experiment type")); err != nil {
		r.stimExpRunning = false
		if rerr := r.stopRecording(); rerr != nil {
			ProblemLogger.Printf("Closing recording: %v", rerr)
		}
		return err
	}
	r.broadcastStatus()
	return nil
}

// RunCurrentSteps records the current step experiment on p.Channel in current clamp.
func (r *Rig) RunCurrentSteps(p CurrentStepParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var info ExperimentInfo
	info.Set("Experiment type", "Current steps")
	info.Set("n_steps", strconv.Itoa(p.Steps))
	info.Set("pre_post_ms", strconv.FormatInt(p.PrePostMs, 10))
	info.Set("stim_ms", strconv.FormatInt(p.StimMs, 10))
	info.Set("first_pA", fmt.Sprint(p.FirstPA))
	info.Set("last_pA", fmt.Sprint(p.LastPA))
	gen := NewCurrentStepGenerator(p, r.cfg.Hardware)

	r.lock.Lock()
	defer r.lock.Unlock()
	return r.runExperiment(p.Channel, CurrentClamp, info, gen.Generate, p.TotalSamples(r.cfg.Hardware.Rate))
}

// RunLaserSteps records the laser step experiment on p.Channel, in voltage
// clamp when p.HoldV and current clamp otherwise.
func (r *Rig) RunLaserSteps(p LaserStepParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var info ExperimentInfo
	info.Set("Experiment type", "Laser steps")
	info.Set("n_steps", strconv.Itoa(p.Steps))
	info.Set("pre_post_s", strconv.FormatInt(p.PrePostS, 10))
	info.Set("stim_s", strconv.FormatInt(p.StimS, 10))
	info.Set("stim_mA", fmt.Sprint(p.LaserMA))
	mode := CurrentClamp
	info.Set("hold_V", "False")
	if p.HoldV {
		mode = VoltageClamp
		info.Set("hold_V", "True")
		info.Set("holding_mV", fmt.Sprint(p.HoldMV))
	}
	gen := NewLaserStepGenerator(p, r.cfg.Hardware)

	r.lock.Lock()
	defer r.lock.Unlock()
	return r.runExperiment(p.Channel, mode, info, gen.Generate, p.TotalSamples(r.cfg.Hardware.Rate))
}

// StimExpRunning tells whether a stimulus experiment is in progress.
func (r *Rig) StimExpRunning() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stimExpRunning
}

// SetBaseName sets the experiment name used in channel ch's file names.
func (r *Rig) SetBaseName(ch int, name string) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if name == "" {
		return errors.New("empty base name")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.baseNames[ch] = name
	return nil
}

// StartRecording records channel ch as a free run. It returns the data file path.
func (r *Rig) StartRecording(ch int) (string, error) {
	if err := checkChannel(ch); err != nil {
		return "", err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.startRecording(ch, nil); err != nil {
		return "", err
	}
	r.broadcastStatus()
	return r.recorder.Status().DataFile, nil
}

// StopRecording closes the recording, if any.
func (r *Rig) StopRecording() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	err := r.stopRecording()
	r.broadcastStatus()
	return err
}

// Caller holds r.lock.
func (r *Rig) startRecording(ch int, info ExperimentInfo) error {
	dataPath, err := r.recorder.Start(r.baseNames[ch], ch, info)
	if err != nil {
		return err
	}
	r.recordingStart = time.Now()
	UpdateLogger.Printf("Recording channel %d to %s", ch+1, dataPath)
	return nil
}

// Caller holds r.lock.
func (r *Rig) stopRecording() error {
	if !r.recorder.IsActive() {
		return nil
	}
	err := r.recorder.Stop()
	st := r.recorder.Status()
	msg := sessiondb.FileMessage{
		SessionID: r.sessionID,
		Filename:  st.DataFile,
		Channel:   st.Channel + 1,
		Records:   st.Records,
		Size:      st.Records * RecordSize,
		Start:     r.recordingStart,
		End:       time.Now(),
	}
	r.db.RecordFile(msg)
	UpdateLogger.Printf("Recording %s closed after %d records", st.DataFile, st.Records)
	return err
}

// SetClampMode switches channel ch's amplifier mode.
func (r *Rig) SetClampMode(ch int, mode ClampMode) error {
	if err := r.controller.SetClampMode(ch, mode); err != nil {
		return err
	}
	r.publish("CLAMPMODE", r.clampModes())
	return nil
}

func (r *Rig) clampModes() [2]string {
	return [2]string{r.controller.ClampMode(0).String(), r.controller.ClampMode(1).String()}
}

// SetSealTest turns the seal test of channel ch on or off.
func (r *Rig) SetSealTest(ch int, on bool) error {
	cs, err := r.Channel(ch)
	if err != nil {
		return err
	}
	cs.SealTest.Store(on)
	return nil
}

// SetHolding sets the holding voltage of channel ch, applied in voltage clamp.
func (r *Rig) SetHolding(ch int, on bool, mV float64) error {
	cs, err := r.Channel(ch)
	if err != nil {
		return err
	}
	cs.HoldingMV.Store(mV)
	cs.Holding.Store(on)
	return nil
}

// SetInjection sets the injected current of channel ch, applied in current clamp.
func (r *Rig) SetInjection(ch int, on bool, pA float64) error {
	cs, err := r.Channel(ch)
	if err != nil {
		return err
	}
	cs.InjectionPA.Store(pA)
	cs.Injecting.Store(on)
	return nil
}

// SealWaveform returns the sample times (ms) and the last seal test waveform
// (pA) of channel ch as a 2xN matrix.
func (r *Rig) SealWaveform(ch int) (*mat.Dense, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	latest := r.seal[ch].Latest()
	if latest == nil {
		return nil, fmt.Errorf("channel %d has no seal test estimate yet", ch+1)
	}
	times := r.seal[ch].SampleTimes(r.cfg.Hardware.Rate)
	m := mat.NewDense(2, len(times), nil)
	m.SetRow(0, times)
	m.SetRow(1, latest.Waveform)
	return m, nil
}

// SaveSealWaveform writes SealWaveform(ch) to path in the .npy format.
func (r *Rig) SaveSealWaveform(ch int, path string) error {
	m, err := r.SealWaveform(ch)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = npyio.Write(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Status reports the state of the rig.
func (r *Rig) Status() RigStatus {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.status()
}

// Caller holds r.lock.
func (r *Rig) status() RigStatus {
	st := RigStatus{
		State:       r.controller.GetState().String(),
		Session:     r.controller.Session(),
		SamplesRead: r.controller.SamplesRead(),
		ClampModes:  r.clampModes(),
		Recording:   r.recorder.Status(),
	}
	for ch := 0; ch < 2; ch++ {
		st.Channels[ch] = r.channels[ch].Snapshot()
	}
	st.Experiment = r.experiment
	st.StimExpRunning = r.stimExpRunning
	st.BaseNames = r.baseNames
	if r.bridge != nil {
		select {
		case <-r.bridge.Done():
		default:
			st.PipeConnected = true
		}
		st.PipePending = r.bridge.Pending()
		st.PipeWritten = r.bridge.Written()
	}
	return st
}

// broadcastStatus publishes STATUS. Caller holds r.lock.
func (r *Rig) broadcastStatus() {
	r.publish("STATUS", r.status())
}

// BroadcastStatus publishes the rig status.
func (r *Rig) BroadcastStatus() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.broadcastStatus()
}

// publishLive sends the live points gathered since the last call.
func (r *Rig) publishLive() {
	for ch := 0; ch < 2; ch++ {
		points := r.live[ch].Take()
		if len(points) == 0 {
			continue
		}
		r.publish("LIVE", LiveMessage{
			Channel: ch,
			Rate:    LiveDisplayRate,
			Mode:    r.controller.ClampMode(ch).String(),
			Points:  points,
		})
	}
}

// RunBroadcasts publishes LIVE every 100 ms and STATUS every 2 s until abort
// is closed, then stops acquisition and the companion.
func (r *Rig) RunBroadcasts(abort <-chan struct{}) {
	live := time.NewTicker(100 * time.Millisecond)
	defer live.Stop()
	status := time.NewTicker(2 * time.Second)
	defer status.Stop()
	for {
		select {
		case <-abort:
			if err := r.StopAcquisition(); err != nil {
				ProblemLogger.Printf("Stopping acquisition: %v", err)
			}
			r.DisconnectCompanion()
			return
		case <-live.C:
			r.publishLive()
		case <-status.C:
			r.BroadcastStatus()
		}
	}
}
