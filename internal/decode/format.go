package decode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type fieldKind int

const (
	kindPad fieldKind = iota
	kindBool
	kindInt
	kindUint
	kindFloat
)

type field struct {
	kind fieldKind
	size int
}

var fieldCodes = map[byte]field{
	'x': {kindPad, 1},
	'?': {kindBool, 1},
	'b': {kindInt, 1},
	'B': {kindUint, 1},
	'h': {kindInt, 2},
	'H': {kindUint, 2},
	'i': {kindInt, 4},
	'I': {kindUint, 4},
	'l': {kindInt, 4},
	'L': {kindUint, 4},
	'q': {kindInt, 8},
	'Q': {kindUint, 8},
	'f': {kindFloat, 4},
	'd': {kindFloat, 8},
}

// Format decodes fixed-size binary records laid out by a compact format
// string, e.g. "<Hh" (little-endian uint16 then int16). The layout is repeated
// over the payload and each repetition yields one row.
//
// The first character may select byte order: '<' or '=' little-endian,
// '>' or '!' big-endian. Field codes may carry a repeat count ("3H").
type Format struct {
	layout string
	order  binary.ByteOrder
	fields []field
	size   int
	width  int
	length int
}

// NewFormat compiles layout. length > 0 additionally requires every payload
// to be exactly that many bytes.
func NewFormat(layout string, length int) (*Format, error) {
	f := &Format{layout: layout, order: binary.LittleEndian, length: length}

	s := strings.TrimSpace(layout)
	if s == "" {
		return nil, fmt.Errorf("empty format")
	}
	switch s[0] {
	case '<', '=':
		s = s[1:]
	case '>', '!':
		f.order = binary.BigEndian
		s = s[1:]
	}

	for i := 0; i < len(s); {
		if s[i] == ' ' {
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		count := 1
		if j > i {
			n, err := strconv.Atoi(s[i:j])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid repeat count %q in format %q", s[i:j], layout)
			}
			count = n
		}
		if j >= len(s) {
			return nil, fmt.Errorf("format %q ends with a repeat count", layout)
		}
		fd, ok := fieldCodes[s[j]]
		if !ok {
			return nil, fmt.Errorf("unknown field code %q in format %q", s[j], layout)
		}
		for k := 0; k < count; k++ {
			f.fields = append(f.fields, fd)
			f.size += fd.size
			if fd.kind != kindPad {
				f.width++
			}
		}
		i = j + 1
	}

	if f.width == 0 {
		return nil, fmt.Errorf("format %q produces no values", layout)
	}
	if length > 0 && length%f.size != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of record size %d", length, f.size)
	}
	return f, nil
}

// Columns returns the number of values per record.
func (f *Format) Columns() int { return f.width }

// RecordSize returns the byte size of one record.
func (f *Format) RecordSize() int { return f.size }

func (f *Format) String() string { return f.layout }

// Decode splits data into records and decodes each into a row.
func (f *Format) Decode(data []byte) ([][]any, error) {
	if f.length > 0 && len(data) != f.length {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrMalformed, len(data), f.length)
	}
	if len(data)%f.size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of record size %d", ErrMalformed, len(data), f.size)
	}

	rows := make([][]any, 0, len(data)/f.size)
	for off := 0; off < len(data); off += f.size {
		row := make([]any, 0, f.width)
		p := off
		for _, fd := range f.fields {
			b := data[p : p+fd.size]
			p += fd.size
			switch fd.kind {
			case kindPad:
			case kindBool:
				row = append(row, b[0] != 0)
			case kindInt:
				row = append(row, f.signed(b))
			case kindUint:
				row = append(row, f.unsigned(b))
			case kindFloat:
				row = append(row, f.float(b))
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *Format) unsigned(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(f.order.Uint16(b))
	case 4:
		return uint64(f.order.Uint32(b))
	default:
		return f.order.Uint64(b)
	}
}

func (f *Format) signed(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(f.order.Uint16(b)))
	case 4:
		return int64(int32(f.order.Uint32(b)))
	default:
		return int64(f.order.Uint64(b))
	}
}

func (f *Format) float(b []byte) float64 {
	if len(b) == 4 {
		return float64(math.Float32frombits(f.order.Uint32(b)))
	}
	return math.Float64frombits(f.order.Uint64(b))
}
