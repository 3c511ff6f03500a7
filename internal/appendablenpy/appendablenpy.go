// Package appendablenpy writes numpy *.npy files whose final length is
// not known in advance. The shape in the header is padded to a fixed
// width and rewritten in place after every append, so the file is a
// valid npy array at all times.
package appendablenpy

import (
	"fmt"
	"os"
	"strings"
)

// npy format magic plus version 1.0.
var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00}

// The full header is padded to a multiple of this size.
const headerUnits = 64

// Room reserved for the item count in the header's shape tuple.
const shapeDigits = 10

// Writer appends items of one fixed-size dtype to a 1-D npy array.
// The underlying file must be seekable and must not be opened in
// append mode, because the header is rewritten with WriteAt.
type Writer struct {
	file     *os.File
	itemSize int
	shapePtr int64 // file offset of the shape digits
	items    int64
}

// NewWriter writes the npy header for an empty 1-D array of the given
// numpy dtype (e.g. "<u2" or "|V5") and returns a Writer that appends
// to it. itemSize must be the dtype's size in bytes.
func NewWriter(f *os.File, dtype string, itemSize int) (*Writer, error) {
	if itemSize <= 0 {
		return nil, fmt.Errorf("appendablenpy: item size %d must be positive", itemSize)
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%-*d,), }",
		dtype, shapeDigits, 0)
	shapeOff := strings.Index(dict, "(") + 1

	// Pad with spaces plus a final newline to a multiple of headerUnits.
	need := len(npyMagic) + 2 + len(dict) + 1
	total := (need + headerUnits - 1) / headerUnits * headerUnits

	header := make([]byte, 0, total)
	header = append(header, npyMagic...)
	hlen := total - len(npyMagic) - 2
	header = append(header, byte(hlen), byte(hlen>>8))
	header = append(header, dict...)
	for len(header) < total-1 {
		header = append(header, ' ')
	}
	header = append(header, '\n')

	if _, err := f.Write(header); err != nil {
		return nil, fmt.Errorf("appendablenpy: cannot write header: %w", err)
	}
	return &Writer{
		file:     f,
		itemSize: itemSize,
		shapePtr: int64(len(npyMagic) + 2 + shapeOff),
	}, nil
}

// Append writes data to the end of the array and updates the recorded
// shape. data must hold a whole number of items.
func (w *Writer) Append(data []byte) error {
	if len(data)%w.itemSize != 0 {
		return fmt.Errorf("appendablenpy: %d bytes is not a whole number of %d-byte items",
			len(data), w.itemSize)
	}
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.items += int64(len(data) / w.itemSize)
	shape := fmt.Sprintf("%-*d", shapeDigits, w.items)
	if _, err := w.file.WriteAt([]byte(shape), w.shapePtr); err != nil {
		return err
	}
	return nil
}

// Items reports how many items have been appended so far.
func (w *Writer) Items() int64 { return w.items }
