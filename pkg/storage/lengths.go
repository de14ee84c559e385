package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Lengths files are NPY v1.0 arrays of little-endian int64, so training code
// outside this module can np.load them directly.

var npyMagic = []byte("\x93NUMPY")

const npyAlign = 64

func LengthsPath(dir, split string) string {
	return filepath.Join(dir, split+".lengths")
}

// WriteLengths replaces the split's lengths file. The new content is written
// to a temporary file first so a stale file is never partially overwritten.
func WriteLengths(dir, split string, lengths []int) error {
	path := LengthsPath(dir, split)
	tmp, err := os.CreateTemp(dir, "."+split+".lengths-*")
	if err != nil {
		return fmt.Errorf("failed to create lengths file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := EncodeLengths(tmp, lengths); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close lengths file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move lengths file into place: %w", err)
	}
	return nil
}

func ReadLengths(dir, split string) ([]int, error) {
	f, err := os.Open(LengthsPath(dir, split))
	if err != nil {
		return nil, fmt.Errorf("failed to open lengths file: %w", err)
	}
	defer f.Close()
	return DecodeLengths(f)
}

func EncodeLengths(w io.Writer, lengths []int) error {
	header := fmt.Sprintf("{'descr': '<i8', 'fortran_order': False, 'shape': (%d,), }", len(lengths))
	// magic(6) + version(2) + header length(2) + header + '\n'
	pad := npyAlign - (10+len(header)+1)%npyAlign
	if pad == npyAlign {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)

	data := make([]int64, len(lengths))
	for i, l := range lengths {
		data[i] = int64(l)
	}
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("failed to encode lengths: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write lengths: %w", err)
	}
	return nil
}

func DecodeLengths(r io.Reader) ([]int, error) {
	prefix := make([]byte, 10)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("failed to read lengths header: %w", err)
	}
	if !bytes.Equal(prefix[:6], npyMagic) || prefix[6] != 1 {
		return nil, fmt.Errorf("lengths file is not an NPY v1 array")
	}
	header := make([]byte, binary.LittleEndian.Uint16(prefix[8:]))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read lengths header: %w", err)
	}
	h := string(header)
	if !strings.Contains(h, "'descr': '<i8'") {
		return nil, fmt.Errorf("unsupported lengths dtype in header %q", strings.TrimSpace(h))
	}
	n, err := parseShape(h)
	if err != nil {
		return nil, err
	}

	data := make([]int64, n)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("failed to read lengths: %w", err)
	}
	out := make([]int, n)
	for i, v := range data {
		out[i] = int(v)
	}
	return out, nil
}

func parseShape(header string) (int, error) {
	_, rest, ok := strings.Cut(header, "'shape': (")
	if !ok {
		return 0, fmt.Errorf("lengths header has no shape")
	}
	dims, _, ok := strings.Cut(rest, ")")
	if !ok {
		return 0, fmt.Errorf("lengths header has malformed shape")
	}
	dims = strings.TrimSuffix(strings.TrimSpace(dims), ",")
	if dims == "" || strings.Contains(dims, ",") {
		return 0, fmt.Errorf("lengths array must be one-dimensional, got (%s)", dims)
	}
	n, err := strconv.Atoi(strings.TrimSpace(dims))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid lengths shape %q", dims)
	}
	return n, nil
}
