package patchcommander

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
)

// PatchControl is the sub-server that handles configuration and operation of
// the rig.
type PatchControl struct {
	rig *Rig
}

// ChannelSwitch turns a per-channel feature on or off.
type ChannelSwitch struct {
	Channel int
	On      bool
}

// ChannelLevel sets a per-channel level (mV or pA) and whether to apply it.
type ChannelLevel struct {
	Channel int
	On      bool
	Value   float64
}

// ClampModeArgs is the RPC-usable structure for SetClampMode. Mode is "VC" or "CC".
type ClampModeArgs struct {
	Channel int
	Mode    string
}

// RecordingArgs names the channel to record and, optionally, its base file name.
type RecordingArgs struct {
	Channel int
	Name    string
}

// SealWaveformArgs says which channel's seal test waveform to save, and where.
type SealWaveformArgs struct {
	Channel int
	Path    string
}

// ParseClampMode converts "VC" or "CC" (any case) to a ClampMode.
func ParseClampMode(s string) (ClampMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VC":
		return VoltageClamp, nil
	case "CC":
		return CurrentClamp, nil
	}
	return CurrentClamp, fmt.Errorf("unknown clamp mode %q, want VC or CC", s)
}

// Start starts free-running acquisition.
func (s *PatchControl) Start(dummy *string, reply *bool) error {
	err := s.rig.StartAcquisition()
	*reply = (err == nil)
	return err
}

// Stop stops acquisition and any recording.
func (s *PatchControl) Stop(dummy *string, reply *bool) error {
	err := s.rig.StopAcquisition()
	*reply = (err == nil)
	return err
}

// SetClampMode switches a channel between voltage and current clamp.
func (s *PatchControl) SetClampMode(args *ClampModeArgs, reply *bool) error {
	mode, err := ParseClampMode(args.Mode)
	if err != nil {
		return err
	}
	log.Printf("SetClampMode: channel %d to %v\n", args.Channel, mode)
	err = s.rig.SetClampMode(args.Channel, mode)
	*reply = (err == nil)
	return err
}

// SetSealTest turns a channel's seal test on or off.
func (s *PatchControl) SetSealTest(args *ChannelSwitch, reply *bool) error {
	err := s.rig.SetSealTest(args.Channel, args.On)
	*reply = (err == nil)
	return err
}

// SetHolding sets a channel's holding voltage in mV.
func (s *PatchControl) SetHolding(args *ChannelLevel, reply *bool) error {
	err := s.rig.SetHolding(args.Channel, args.On, args.Value)
	*reply = (err == nil)
	return err
}

// SetInjection sets a channel's injected current in pA.
func (s *PatchControl) SetInjection(args *ChannelLevel, reply *bool) error {
	err := s.rig.SetInjection(args.Channel, args.On, args.Value)
	*reply = (err == nil)
	return err
}

// RunCurrentSteps starts a recorded current step experiment.
func (s *PatchControl) RunCurrentSteps(args *CurrentStepParams, reply *bool) error {
	log.Printf("RunCurrentSteps: %+v\n", *args)
	err := s.rig.RunCurrentSteps(*args)
	*reply = (err == nil)
	return err
}

// RunLaserSteps starts a recorded laser step experiment.
func (s *PatchControl) RunLaserSteps(args *LaserStepParams, reply *bool) error {
	log.Printf("RunLaserSteps: %+v\n", *args)
	err := s.rig.RunLaserSteps(*args)
	*reply = (err == nil)
	return err
}

// StartRecording records a channel and replies with the data file path.
func (s *PatchControl) StartRecording(args *RecordingArgs, reply *string) error {
	if args.Name != "" {
		if err := s.rig.SetBaseName(args.Channel, args.Name); err != nil {
			return err
		}
	}
	path, err := s.rig.StartRecording(args.Channel)
	*reply = path
	return err
}

// StopRecording closes the recording.
func (s *PatchControl) StopRecording(dummy *string, reply *bool) error {
	err := s.rig.StopRecording()
	*reply = (err == nil)
	return err
}

// SaveSealWaveform writes a channel's last seal test waveform as .npy.
func (s *PatchControl) SaveSealWaveform(args *SealWaveformArgs, reply *bool) error {
	err := s.rig.SaveSealWaveform(args.Channel, args.Path)
	*reply = (err == nil)
	return err
}

// GetStatus replies with the rig status.
func (s *PatchControl) GetStatus(dummy *string, reply *RigStatus) error {
	*reply = s.rig.Status()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *PatchControl) SendAllStatus(dummy *string, reply *bool) error {
	s.rig.BroadcastStatus()
	s.rig.publish("CLAMPMODE", s.rig.clampModes())
	*reply = true
	return nil
}

// RunRPCServer sets up a JSON-RPC server on portrpc and returns once the
// listener is open. Connections are accepted until abort is closed, which
// also closes the listener and frees the port.
func RunRPCServer(rig *Rig, portrpc int, abort <-chan struct{}) error {
	// Set up objects to handle remote calls
	patchControl := &PatchControl{rig: rig}
	server := rpc.NewServer()
	if err := server.Register(patchControl); err != nil {
		return err
	}

	// Now launch the connection handler and accept connections.
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	go func() {
		<-abort
		listener.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-abort:
				default:
					ProblemLogger.Printf("accept error: %v", err)
				}
				return
			}
			UpdateLogger.Printf("new connection established from %s", conn.RemoteAddr())
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	return nil
}
