// Command data2npy converts .data recordings to numpy .npy files.
//
// By default each recording becomes a one-dimensional structured array with
// one record per sample. With -dense it becomes a 5xN float64 array whose
// rows are index, mode (1 in voltage clamp), command, read and laser.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/patchlab/patchcommander"
	"github.com/patchlab/patchcommander/internal/appendablenpy"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// recordDtype describes patchcommander.Record, packed.
const recordDtype = "[('index', '<i8'), ('mode', '?'), ('command', '<f4'), ('read', '<f4'), ('laser', '<f4')]"

// chunkRecords is how many records are converted per write.
const chunkRecords = 4096

func outputName(input string) string {
	return strings.TrimSuffix(input, ".data") + ".npy"
}

// convertStructured streams r into a structured array at out.
func convertStructured(r io.Reader, out *os.File) (int, error) {
	npy, err := appendablenpy.Open(out, recordDtype, patchcommander.RecordSize)
	if err != nil {
		return 0, err
	}
	br := bufio.NewReader(r)
	chunk := make([][]byte, 0, chunkRecords)
	for {
		rec := make([]byte, patchcommander.RecordSize)
		_, err := io.ReadFull(br, rec)
		if err == nil {
			chunk = append(chunk, rec)
			if len(chunk) < chunkRecords {
				continue
			}
		}
		if len(chunk) > 0 {
			if werr := npy.Write(chunk...); werr != nil {
				return npy.Items(), werr
			}
			chunk = chunk[:0]
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return npy.Items(), nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			return npy.Items(), fmt.Errorf("file ends with a partial record")
		default:
			return npy.Items(), err
		}
	}
}

// denseMatrix reads every record of data into a 5xN matrix.
func denseMatrix(data []byte) (*mat.Dense, error) {
	if len(data)%patchcommander.RecordSize != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of records", len(data))
	}
	n := len(data) / patchcommander.RecordSize
	if n == 0 {
		return nil, errors.New("no records")
	}
	m := mat.NewDense(5, n, nil)
	for j := 0; j < n; j++ {
		rec := patchcommander.DecodeRecord(data[j*patchcommander.RecordSize:])
		mode := 0.0
		if rec.Mode {
			mode = 1
		}
		m.Set(0, j, float64(rec.Index))
		m.Set(1, j, mode)
		m.Set(2, j, float64(rec.Command))
		m.Set(3, j, float64(rec.Read))
		m.Set(4, j, float64(rec.Laser))
	}
	return m, nil
}

func convert(input string, dense bool) error {
	output := outputName(input)
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()

	var n int
	if dense {
		data, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		m, err := denseMatrix(data)
		if err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
		if err := npyio.Write(out, m); err != nil {
			return err
		}
		_, n = m.Dims()
	} else {
		in, err := os.Open(input)
		if err != nil {
			return err
		}
		defer in.Close()
		if n, err = convertStructured(in, out); err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
	}
	fmt.Printf("%s: %d records -> %s\n", input, n, output)
	return out.Close()
}

func main() {
	dense := flag.Bool("dense", false, "write a 5xN float64 array instead of structured records")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-dense] file.data ...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	status := 0
	for _, input := range flag.Args() {
		if err := convert(input, *dense); err != nil {
			fmt.Fprintln(os.Stderr, err)
			status = 1
		}
	}
	os.Exit(status)
}
