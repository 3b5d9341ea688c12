package patchcommander

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HardwareSettings describes the DAQ board wiring and the amplifier's unit
// conversions. Channel names are relative to Device, e.g. "ai0".
type HardwareSettings struct {
	Device         string
	InputChannels  []string      `mapstructure:"input-channels"`
	OutputChannels []string      `mapstructure:"output-channels"`
	ModeLines      []string      `mapstructure:"mode-lines"`
	StartTrigger   string        `mapstructure:"start-trigger"`
	Rate           float64       // samples per second per channel
	VoltageMin     float64       `mapstructure:"voltage-min"`
	VoltageMax     float64       `mapstructure:"voltage-max"`
	ReadThreshold  int           `mapstructure:"read-threshold"` // minimum samples per read
	WriteInterval  time.Duration `mapstructure:"write-interval"`

	CommandMVPerV float64 `mapstructure:"command-mv-per-v"` // voltage clamp command scaling
	CommandPAPerV float64 `mapstructure:"command-pa-per-v"` // current clamp command scaling
	ReadPAPerV    float64 `mapstructure:"read-pa-per-v"`    // electrode read, voltage clamp
	ReadMVPerV    float64 `mapstructure:"read-mv-per-v"`    // electrode read, current clamp
	LaserMAFull   float64 `mapstructure:"laser-ma-full"`    // laser current at LaserVMax
	LaserVMax     float64 `mapstructure:"laser-v-max"`
}

// DefaultHardwareSettings returns the wiring of the standard rig.
func DefaultHardwareSettings() HardwareSettings {
	return HardwareSettings{
		Device:         "Dev1",
		InputChannels:  []string{"ai0", "ai1", "ai2", "ai3", "ai4", "ai5", "ai16"},
		OutputChannels: []string{"ao0", "ao1", "ao2"},
		ModeLines:      []string{"port0/line0", "port0/line1"},
		StartTrigger:   "ai/StartTrigger",
		Rate:           20000,
		VoltageMin:     -10,
		VoltageMax:     10,
		ReadThreshold:  10,
		WriteInterval:  50 * time.Millisecond,
		CommandMVPerV:  20,
		CommandPAPerV:  400,
		ReadPAPerV:     2000,
		ReadMVPerV:     100,
		LaserMAFull:    4000,
		LaserVMax:      10,
	}
}

func (hs HardwareSettings) qualify(names []string) []string {
	full := make([]string, len(names))
	for i, n := range names {
		full[i] = hs.Device + "/" + n
	}
	return full
}

// InputNames returns the fully qualified analog input channel names.
func (hs HardwareSettings) InputNames() []string {
	return hs.qualify(hs.InputChannels)
}

// OutputNames returns the fully qualified analog output channel names.
func (hs HardwareSettings) OutputNames() []string {
	return hs.qualify(hs.OutputChannels)
}

// ModeLine returns the digital line that sets channel ch's clamp mode.
func (hs HardwareSettings) ModeLine(ch int) (string, error) {
	if err := checkChannel(ch); err != nil {
		return "", err
	}
	if ch >= len(hs.ModeLines) {
		return "", ErrNoDigitalIO
	}
	return hs.Device + "/" + hs.ModeLines[ch], nil
}

// FirstBlockSamples is the length of the block written before the output starts.
func (hs HardwareSettings) FirstBlockSamples() int {
	return int(hs.Rate)
}

// BlockSamples is the length of every later output block.
func (hs HardwareSettings) BlockSamples() int {
	return int(hs.Rate / 5)
}

// MilliVoltsToCommand converts a voltage clamp command to DAQ volts.
func (hs HardwareSettings) MilliVoltsToCommand(mV float64) float64 {
	return mV / hs.CommandMVPerV
}

// PicoAmpsToCommand converts a current clamp command to DAQ volts.
func (hs HardwareSettings) PicoAmpsToCommand(pA float64) float64 {
	return pA / hs.CommandPAPerV
}

// LaserVolts converts a laser current to its command voltage, saturating at
// the output range.
func (hs HardwareSettings) LaserVolts(mA float64) float64 {
	v := mA / hs.LaserMAFull * hs.LaserVMax
	if v < 0 {
		return 0
	}
	if v > hs.LaserVMax {
		return hs.LaserVMax
	}
	return v
}

// ReadToPicoAmps converts an electrode read in voltage clamp to pA.
func (hs HardwareSettings) ReadToPicoAmps(v float64) float64 {
	return v * hs.ReadPAPerV
}

// ReadToMilliVolts converts an electrode read in current clamp to mV.
func (hs HardwareSettings) ReadToMilliVolts(v float64) float64 {
	return v * hs.ReadMVPerV
}

// TailSettings configures the tail-movement filter.
type TailSettings struct {
	RawWindow    int     `mapstructure:"raw-window"`
	StddevWindow int     `mapstructure:"stddev-window"`
	Threshold    float64 `mapstructure:"threshold"`
	EmitEvery    int     `mapstructure:"emit-every"` // samples between commands
}

// SealTestSettings configures the seal test waveform and estimator.
type SealTestSettings struct {
	Frequency float64 // Hz
	StepMV    float64 `mapstructure:"step-mv"`
}

// PipeSettings configures the companion process fed by the pipe bridge.
type PipeSettings struct {
	Enabled  bool
	Command  string
	Args     []string
	Capacity int
}

// RecordingSettings configures where recordings are written.
type RecordingSettings struct {
	Directory string
}

// DatabaseSettings configures the optional ClickHouse session log.
type DatabaseSettings struct {
	Enabled bool
	Address string
}

// SimulatorSettings configures the no-hardware device.
type SimulatorSettings struct {
	NoiseVolts   float64 `mapstructure:"noise-volts"`
	LoopbackGain float64 `mapstructure:"loopback-gain"`
	Seed         uint64
}

// Config holds every configuration section of the rig daemon.
type Config struct {
	Hardware  HardwareSettings
	Tail      TailSettings
	SealTest  SealTestSettings
	Pipe      PipeSettings
	Recording RecordingSettings
	Database  DatabaseSettings
	Simulator SimulatorSettings
}

// DefaultConfig returns the configuration used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		Hardware:  DefaultHardwareSettings(),
		Tail:      TailSettings{RawWindow: 500, StddevWindow: 50, Threshold: 3, EmitEvery: 1},
		SealTest:  SealTestSettings{Frequency: 10, StepMV: 10},
		Pipe:      PipeSettings{Capacity: 5000},
		Recording: RecordingSettings{Directory: "data"},
		Database:  DatabaseSettings{Address: "localhost:9000"},
		Simulator: SimulatorSettings{NoiseVolts: 0.001, LoopbackGain: 1, Seed: 1},
	}
}

// LoadConfig starts from DefaultConfig and overlays each section found in viper.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	sections := map[string]any{
		"hardware":  &cfg.Hardware,
		"tail":      &cfg.Tail,
		"sealtest":  &cfg.SealTest,
		"pipe":      &cfg.Pipe,
		"recording": &cfg.Recording,
		"database":  &cfg.Database,
		"simulator": &cfg.Simulator,
	}
	for key, dest := range sections {
		if !viper.IsSet(key) {
			continue
		}
		if err := viper.UnmarshalKey(key, dest); err != nil {
			return cfg, fmt.Errorf("config section %q: %w", key, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the acquisition loops cannot run with.
func (c Config) Validate() error {
	hs := c.Hardware
	var problems []string
	if hs.Rate <= 0 || hs.BlockSamples() < 1 {
		problems = append(problems, fmt.Sprintf("hardware rate %v too low", hs.Rate))
	}
	if len(hs.InputChannels) < NumInputRows {
		problems = append(problems, fmt.Sprintf("need %d input channels, have %d", NumInputRows, len(hs.InputChannels)))
	}
	if len(hs.OutputChannels) < NumOutputRows {
		problems = append(problems, fmt.Sprintf("need %d output channels, have %d", NumOutputRows, len(hs.OutputChannels)))
	}
	if hs.ReadThreshold < 1 {
		problems = append(problems, "read threshold must be at least 1")
	}
	if c.Tail.RawWindow < 1 || c.Tail.StddevWindow < 1 {
		problems = append(problems, "tail windows must hold at least 1 sample")
	}
	if c.SealTest.Frequency <= 0 || hs.Rate/c.SealTest.Frequency < 2 {
		problems = append(problems, fmt.Sprintf("seal test frequency %v unusable at rate %v", c.SealTest.Frequency, hs.Rate))
	}
	if c.Pipe.Capacity < 1 {
		problems = append(problems, "pipe capacity must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
