// Command tailviewer is a minimal companion process for the rig. It reads tail
// commands from the pipe handle given as its last argument and prints the
// forward and turn speeds a visual-environment client would apply.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/patchlab/patchcommander"
)

// Motion is the movement one tail command asks for.
type Motion struct {
	Forward float64
	Turn    float64
}

// motionFor converts a left/right tail command into movement: the turn follows
// the difference of the magnitudes, the speed follows their norm.
func motionFor(left, right, forwardGain, turnGain float64) Motion {
	return Motion{
		Forward: math.Hypot(left, right) * forwardGain,
		Turn:    (math.Abs(right) - math.Abs(left)) * turnGain,
	}
}

// follow prints one line per command read from r until EOF. It returns the
// number of commands and of malformed lines.
func follow(r io.Reader, w io.Writer, forwardGain, turnGain float64, quiet bool) (int, int, error) {
	var good, bad int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		left, right, err := patchcommander.ParseTailCommand(scanner.Text())
		if err != nil {
			bad++
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		good++
		m := motionFor(left, right, forwardGain, turnGain)
		if quiet && m.Forward == 0 && m.Turn == 0 {
			continue
		}
		fmt.Fprintf(w, "forward=%8.3f turn=%8.3f\n", m.Forward, m.Turn)
	}
	return good, bad, scanner.Err()
}

func main() {
	forwardGain := flag.Float64("forward-gain", 15, "translational gain")
	turnGain := flag.Float64("turn-gain", 45, "rotational gain")
	quiet := flag.Bool("quiet", false, "do not print still commands")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] pipe-handle\n", os.Args[0])
		os.Exit(2)
	}
	handle := flag.Arg(flag.NArg() - 1)
	fd, err := strconv.Atoi(handle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipe handle %q is not a file descriptor\n", handle)
		os.Exit(2)
	}
	pipe := os.NewFile(uintptr(fd), "tailpipe")
	defer pipe.Close()

	good, bad, err := follow(pipe, os.Stdout, *forwardGain, *turnGain, *quiet)
	fmt.Fprintf(os.Stderr, "tailviewer: %d commands, %d malformed lines\n", good, bad)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
