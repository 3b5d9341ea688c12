package patchcommander

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ChildPipeHandle is the argument telling the companion process where to read
// commands: the first inherited file after stdin, stdout and stderr.
const ChildPipeHandle = "3"

const drainPollInterval = time.Millisecond

// LineTransport carries one text line per message to a consumer.
type LineTransport interface {
	WriteLine(line string) error
	// WaitForDrain blocks until the consumer has read everything written.
	WaitForDrain(ctx context.Context) error
	Close() error
}

// PipeBridge is a bounded queue of tail commands between the acquisition
// reader (producer) and a LineTransport (consumer). Send blocks while the
// queue is full; nothing is dropped while the bridge runs.
type PipeBridge struct {
	queue   chan string
	done    chan struct{} // closed when Run returns
	started atomic.Bool
	written atomic.Int64
}

// NewPipeBridge returns a bridge whose queue holds capacity messages.
func NewPipeBridge(capacity int) *PipeBridge {
	if capacity < 1 {
		capacity = 1
	}
	return &PipeBridge{
		queue: make(chan string, capacity),
		done:  make(chan struct{}),
	}
}

// Send queues cmd, blocking while the queue is full. It fails with
// ErrBridgeClosed once Run has returned.
func (pb *PipeBridge) Send(cmd string) error {
	select {
	case <-pb.done:
		return ErrBridgeClosed
	default:
	}
	select {
	case pb.queue <- cmd:
		return nil
	case <-pb.done:
		return ErrBridgeClosed
	}
}

// Pending is the number of queued messages.
func (pb *PipeBridge) Pending() int {
	return len(pb.queue)
}

// Written is the number of messages the consumer has drained.
func (pb *PipeBridge) Written() int64 {
	return pb.written.Load()
}

// Done is closed when the bridge has stopped.
func (pb *PipeBridge) Done() <-chan struct{} {
	return pb.done
}

// Run moves messages to transport, one line at a time, waiting after each for
// the consumer to drain it. Cancellation is checked between messages. Run
// closes the transport before returning; a transport fault ends the bridge
// and is returned (and logged) but never reaches the producer as anything
// other than ErrBridgeClosed.
func (pb *PipeBridge) Run(ctx context.Context, transport LineTransport) error {
	if !pb.started.CompareAndSwap(false, true) {
		return errors.New("pipe bridge already ran")
	}
	defer close(pb.done)
	err := pb.pump(ctx, transport)
	if cerr := transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		ProblemLogger.Printf("Pipe bridge stopped after %d messages: %v", pb.Written(), err)
	}
	return err
}

func (pb *PipeBridge) pump(ctx context.Context, transport LineTransport) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-pb.queue:
			if err := transport.WriteLine(line); err != nil {
				return fmt.Errorf("writing %q: %w", line, err)
			}
			if err := transport.WaitForDrain(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("waiting for drain: %w", err)
			}
			pb.written.Add(1)
		}
	}
}

// ProcessTransport runs a companion process and writes lines into an
// anonymous pipe the process inherits as file descriptor 3.
type ProcessTransport struct {
	cmd    *exec.Cmd
	pipe   *os.File
	w      *bufio.Writer
	exited chan struct{}

	waitErr   error
	closeOnce sync.Once
	closeErr  error
}

// StartProcessTransport starts name with args followed by ChildPipeHandle.
func StartProcessTransport(name string, args ...string) (*ProcessTransport, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(name, append(append([]string(nil), args...), ChildPipeHandle)...)
	cmd.ExtraFiles = []*os.File{r}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("starting companion %s: %w", name, err)
	}
	r.Close() // the child holds the read end now
	pt := &ProcessTransport{
		cmd:    cmd,
		pipe:   w,
		w:      bufio.NewWriter(w),
		exited: make(chan struct{}),
	}
	go func() {
		pt.waitErr = cmd.Wait()
		close(pt.exited)
	}()
	if size, err := pipeBufferSize(w); err == nil {
		UpdateLogger.Printf("Companion %s started (pid %d), pipe buffer %d bytes", name, cmd.Process.Pid, size)
	}
	return pt, nil
}

// WriteLine writes line and a newline, and flushes.
func (pt *ProcessTransport) WriteLine(line string) error {
	if _, err := pt.w.WriteString(line); err != nil {
		return err
	}
	if err := pt.w.WriteByte('\n'); err != nil {
		return err
	}
	return pt.w.Flush()
}

// WaitForDrain polls until the pipe holds no unread bytes.
func (pt *ProcessTransport) WaitForDrain(ctx context.Context) error {
	for {
		n, err := pipeUnread(pt.pipe)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pt.exited:
			return fmt.Errorf("companion exited with %d bytes unread", n)
		case <-time.After(drainPollInterval):
		}
	}
}

// Close releases the pipe (the companion reads EOF) and waits for the
// companion to exit.
func (pt *ProcessTransport) Close() error {
	pt.closeOnce.Do(func() {
		pt.closeErr = pt.pipe.Close()
		<-pt.exited
		if pt.closeErr == nil {
			pt.closeErr = pt.waitErr
		}
	})
	return pt.closeErr
}

// ParseTailCommand decodes one line of the pipe protocol.
func ParseTailCommand(line string) (left, right float64, err error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCommand, line)
	}
	if left, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCommand, line)
	}
	if right, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCommand, line)
	}
	return left, right, nil
}
