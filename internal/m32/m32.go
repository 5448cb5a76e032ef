// Package m32 implements the variable-length signed-integer byte
// serialization used to store predictor residuals (spec.md §4.2). It
// favors small magnitudes: values in [-126, 125] cost one byte, with wider
// ranges spilling into 2-, 3-, or 4-byte big-endian forms.
package m32

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

const (
	nullValue = math.MinInt32

	form16   = 126
	form24   = 127
	form32   = -127
	formNull = -128
)

// Encode appends the M32 encoding of v to dst and returns the extended
// slice. The null sentinel is math.MinInt32.
func Encode(dst []byte, v int32) []byte {
	switch {
	case v == nullValue:
		return append(dst, formNull)
	case v >= -126 && v <= 125:
		return append(dst, byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(int16(v)))
		return append(append(dst, byte(form16)), b[:]...)
	case v >= -(1<<23) && v <= (1<<23)-1:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v)<<8)
		return append(append(dst, byte(form24)), b[:3]...)
	default:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		return append(append(dst, byte(int8(form32))), b[:]...)
	}
}

// EncodedLen returns the number of bytes Encode would append for v, without
// allocating.
func EncodedLen(v int32) int {
	switch {
	case v == nullValue:
		return 1
	case v >= -126 && v <= 125:
		return 1
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 3
	case v >= -(1<<23) && v <= (1<<23)-1:
		return 4
	default:
		return 5
	}
}

// Decode reads one M32-encoded value from data starting at offset and
// returns the value, the number of bytes consumed, and an error if data is
// truncated.
func Decode(data []byte, offset int) (v int32, consumed int, err error) {
	if offset >= len(data) {
		return 0, 0, xerrors.Errorf("m32: decode past end of data: %w", gvrserr.IntegrityFailure)
	}
	b := int8(data[offset])
	switch {
	case b == formNull:
		return nullValue, 1, nil
	case int(b) >= -126 && int(b) <= 125:
		return int32(b), 1, nil
	case b == form16:
		if offset+3 > len(data) {
			return 0, 0, xerrors.Errorf("m32: truncated 2-byte form: %w", gvrserr.IntegrityFailure)
		}
		v16 := int16(binary.BigEndian.Uint16(data[offset+1 : offset+3]))
		return int32(v16), 3, nil
	case b == form24:
		if offset+4 > len(data) {
			return 0, 0, xerrors.Errorf("m32: truncated 3-byte form: %w", gvrserr.IntegrityFailure)
		}
		u := uint32(data[offset+1])<<16 | uint32(data[offset+2])<<8 | uint32(data[offset+3])
		// sign-extend from 24 bits
		if u&0x800000 != 0 {
			u |= 0xFF000000
		}
		return int32(u), 4, nil
	case b == int8(form32):
		if offset+5 > len(data) {
			return 0, 0, xerrors.Errorf("m32: truncated 4-byte form: %w", gvrserr.IntegrityFailure)
		}
		u := binary.BigEndian.Uint32(data[offset+1 : offset+5])
		return int32(u), 5, nil
	default:
		return 0, 0, xerrors.Errorf("m32: unrecognized lead byte %d: %w", b, gvrserr.IntegrityFailure)
	}
}

// DecodeAll decodes every value in data in order, returning them as a
// slice. Used by tests and by the tile codec's residual-stream decoder
// when it wants the full tile at once rather than streaming.
func DecodeAll(data []byte) ([]int32, error) {
	var out []int32
	for off := 0; off < len(data); {
		v, n, err := Decode(data, off)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		off += n
	}
	return out, nil
}
