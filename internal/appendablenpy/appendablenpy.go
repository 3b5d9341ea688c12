// Package appendablenpy provides a writer of numpy's *.npy format whose
// length need not be known in advance: the shape in the header is rewritten
// after every append.
package appendablenpy

import (
	"bytes"
	"fmt"
	"io"
)

// HeaderUnits is the alignment of the npy header, in bytes.
const HeaderUnits = 64

const preheaderSize = 10

// shapeDigits is how many characters the header reserves for the item count.
const shapeDigits = 10

var magic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00}

// AppendableNPY writes a one-dimensional array of records described by a
// numpy dtype string.
type AppendableNPY struct {
	w            io.WriteSeeker
	dtype        string
	recordSize   int
	shapeOffset  int64
	itemsWritten int
}

// Open writes an empty array header to w. recordSize is the size in bytes of
// one item of dtype; Write rejects items of any other size.
func Open(w io.WriteSeeker, dtype string, recordSize int) (*AppendableNPY, error) {
	an := &AppendableNPY{w: w, dtype: dtype, recordSize: recordSize}
	var dict bytes.Buffer
	fmt.Fprintf(&dict, "{'descr': %s, 'fortran_order': False, 'shape': (", dtype)
	an.shapeOffset = int64(preheaderSize + dict.Len())
	fmt.Fprintf(&dict, "%-*d,), }", shapeDigits, 0)

	// The header length, stored little endian in bytes 8-9, makes the whole
	// preamble a multiple of HeaderUnits. Pad with spaces and end with a newline.
	total := (preheaderSize + dict.Len() + 1 + HeaderUnits - 1) / HeaderUnits * HeaderUnits
	headerLen := total - preheaderSize
	if headerLen > 0xffff {
		return nil, fmt.Errorf("dtype description is too long for a version 1.0 header")
	}
	header := append([]byte{}, magic...)
	header = append(header, byte(headerLen%256), byte(headerLen/256))
	header = append(header, dict.Bytes()...)
	header = append(header, bytes.Repeat([]byte{' '}, total-len(header)-1)...)
	header = append(header, '\n')
	if _, err := w.Write(header); err != nil {
		return nil, err
	}
	return an, nil
}

// Items returns how many records have been written.
func (an *AppendableNPY) Items() int {
	return an.itemsWritten
}

// Write appends records, then rewrites the shape in the header.
func (an *AppendableNPY) Write(records ...[]byte) error {
	for _, r := range records {
		if len(r) != an.recordSize {
			return fmt.Errorf("record of %d bytes, want %d", len(r), an.recordSize)
		}
	}
	for _, r := range records {
		if _, err := an.w.Write(r); err != nil {
			return err
		}
		an.itemsWritten++
	}

	shape := fmt.Sprintf("%-*d", shapeDigits, an.itemsWritten)
	if len(shape) > shapeDigits {
		return fmt.Errorf("%d items do not fit the header", an.itemsWritten)
	}
	if _, err := an.w.Seek(an.shapeOffset, io.SeekStart); err != nil {
		return err
	}
	if _, err := an.w.Write([]byte(shape)); err != nil {
		return err
	}
	_, err := an.w.Seek(0, io.SeekEnd)
	return err
}
