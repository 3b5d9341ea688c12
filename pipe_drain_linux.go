//go:build linux

package patchcommander

import (
	"os"
	"strconv"

	"github.com/lorenzosaino/go-sysctl"
	"golang.org/x/sys/unix"
)

// pipeUnread returns the bytes written to the pipe but not yet read.
func pipeUnread(f *os.File) (int, error) {
	return unix.IoctlGetInt(int(f.Fd()), unix.TIOCINQ)
}

// pipeBufferSize returns the capacity of the pipe, logging the system limit
// it may be raised to.
func pipeBufferSize(f *os.File) (int, error) {
	size, err := unix.FcntlInt(f.Fd(), unix.F_GETPIPE_SZ, 0)
	if err != nil {
		return 0, err
	}
	if limit, err := PipeMaxSize(); err == nil && limit < size {
		ProblemLogger.Printf("pipe buffer %d exceeds fs.pipe-max-size %d", size, limit)
	}
	return size, nil
}

// PipeMaxSize reads the fs.pipe-max-size kernel parameter.
func PipeMaxSize() (int, error) {
	val, err := sysctl.Get("fs.pipe-max-size")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}
