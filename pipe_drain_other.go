//go:build !linux

package patchcommander

import (
	"errors"
	"os"
)

// pipeUnread cannot query the pipe here, so every write counts as drained.
func pipeUnread(f *os.File) (int, error) {
	return 0, nil
}

func pipeBufferSize(f *os.File) (int, error) {
	return 0, errors.New("pipe buffer size unknown on this platform")
}

// PipeMaxSize is only known on Linux.
func PipeMaxSize() (int, error) {
	return 0, errors.New("fs.pipe-max-size is only available on Linux")
}
