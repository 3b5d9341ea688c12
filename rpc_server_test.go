package patchcommander

import (
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleClient(port int) (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", port)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func TestParseClampMode(t *testing.T) {
	for in, want := range map[string]ClampMode{"VC": VoltageClamp, "cc": CurrentClamp, " vc ": VoltageClamp} {
		got, err := ParseClampMode(in)
		if err != nil || got != want {
			t.Errorf("ParseClampMode(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	_, err := ParseClampMode("IC")
	assert.Error(t, err)
}

func TestServer(t *testing.T) {
	const port = 35600
	rig, nh, tp := newTestRig(t)
	abort := make(chan struct{})
	defer close(abort)
	require.Eventually(t, func() bool { return RunRPCServer(rig, port, abort) == nil },
		2*time.Second, 10*time.Millisecond, "a previous run may still be releasing the port")
	client, err := simpleClient(port)
	require.NoError(t, err, "Could not connect simpleClient() to RPC server")
	defer client.Close()

	var okay bool
	dummy := ""
	err = client.Call("PatchControl.SetClampMode", &ClampModeArgs{Channel: 0, Mode: "CC"}, &okay)
	assert.NoError(t, err)
	assert.True(t, okay)
	assert.False(t, nh.DigitalLine("dev1/port0/line0"))
	err = client.Call("PatchControl.SetClampMode", &ClampModeArgs{Channel: 0, Mode: "XX"}, &okay)
	assert.Error(t, err)
	err = client.Call("PatchControl.SetClampMode", &ClampModeArgs{Channel: 2, Mode: "VC"}, &okay)
	if err == nil {
		t.Errorf("expected error setting the clamp mode of channel 2")
	}

	err = client.Call("PatchControl.SetHolding", &ChannelLevel{Channel: 1, On: true, Value: -60}, &okay)
	assert.NoError(t, err)
	err = client.Call("PatchControl.SetInjection", &ChannelLevel{Channel: 0, On: true, Value: 50}, &okay)
	assert.NoError(t, err)
	err = client.Call("PatchControl.SetSealTest", &ChannelSwitch{Channel: 1, On: true}, &okay)
	assert.NoError(t, err)
	var status RigStatus
	require.NoError(t, client.Call("PatchControl.GetStatus", &dummy, &status))
	assert.Equal(t, [2]string{"CC", "VC"}, status.ClampModes)
	assert.Equal(t, ChannelSnapshot{Holding: true, HoldingMV: -60, SealTest: true}, status.Channels[1])
	assert.Equal(t, ChannelSnapshot{Injecting: true, InjectionPA: 50}, status.Channels[0])

	err = client.Call("PatchControl.Start", &dummy, &okay)
	assert.NoError(t, err)
	assert.True(t, okay)
	err = client.Call("PatchControl.Start", &dummy, &okay)
	if err == nil {
		t.Errorf("expected error when starting while acquisition is active")
	}
	var dataPath string
	err = client.Call("PatchControl.StartRecording", &RecordingArgs{Channel: 1, Name: "rpc"}, &dataPath)
	assert.NoError(t, err)
	assert.Contains(t, dataPath, "Ch2_rpc_")

	require.Eventually(t, func() bool { return rig.seal[1].Latest() != nil }, 5*time.Second, 10*time.Millisecond)
	npyPath := filepath.Join(t.TempDir(), "seal.npy")
	err = client.Call("PatchControl.SaveSealWaveform", &SealWaveformArgs{Channel: 1, Path: npyPath}, &okay)
	assert.NoError(t, err)
	_, err = os.Stat(npyPath)
	assert.NoError(t, err)

	err = client.Call("PatchControl.SendAllStatus", &dummy, &okay)
	assert.NoError(t, err)
	assert.NotEmpty(t, tp.tagged("CLAMPMODE"))

	err = client.Call("PatchControl.StopRecording", &dummy, &okay)
	assert.NoError(t, err)
	err = client.Call("PatchControl.Stop", &dummy, &okay)
	assert.NoError(t, err)
	assert.True(t, okay)
	assert.False(t, rig.Controller().Running())

	params := CurrentStepParams{Channel: 0, Steps: 1, PrePostMs: 10, StimMs: 20, FirstPA: 10, LastPA: 10}
	err = client.Call("PatchControl.RunCurrentSteps", &params, &okay)
	assert.NoError(t, err)
	waitIdle(t, rig)
	laser := LaserStepParams{Channel: 0, Steps: 0, StimS: 1}
	err = client.Call("PatchControl.RunLaserSteps", &laser, &okay)
	assert.Error(t, err, "zero steps")
}

func TestServerReleasesPort(t *testing.T) {
	const port = 35602
	rig, _, _ := newTestRig(t)
	abort := make(chan struct{})
	require.Eventually(t, func() bool { return RunRPCServer(rig, port, abort) == nil },
		2*time.Second, 10*time.Millisecond)
	assert.Error(t, RunRPCServer(rig, port, abort), "port is already in use")
	client, err := simpleClient(port)
	require.NoError(t, err)
	var status RigStatus
	dummy := ""
	assert.NoError(t, client.Call("PatchControl.GetStatus", &dummy, &status))
	client.Close()
	close(abort)

	again := make(chan struct{})
	defer close(again)
	require.Eventually(t, func() bool {
		return RunRPCServer(rig, port, again) == nil
	}, 2*time.Second, 10*time.Millisecond, "the port is free once abort is closed")
	client, err = simpleClient(port)
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Call("PatchControl.GetStatus", &dummy, &status))
}
