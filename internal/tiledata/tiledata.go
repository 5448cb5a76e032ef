// Package tiledata implements the fixed-size typed array that backs one
// tile of one element (spec.md §3, "Tile" and §4.6's description of the
// data a cache slot holds). It supports the four primitive element types:
// 32-bit integer, 16-bit integer, 32-bit float, and integer-coded float
// (an int32 paired with a (scale, offset) so that f = i/scale + offset).
package tiledata

import (
	"math"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

// Type is a primitive element storage type (spec.md §3).
type Type int

const (
	TypeI32 Type = iota
	TypeI16
	TypeF32
	TypeICF
)

// ByteWidth returns sizeof(elementType), used to compute tileSizeBytes per
// spec.md §3.
func (t Type) ByteWidth() int {
	switch t {
	case TypeI16:
		return 2
	default:
		return 4
	}
}

// Buffer is one tile's worth of samples for a single element, stored in
// its native on-disk representation. Only the slice matching Type is
// populated; the others are nil.
//
// Integer-coded-float tiles store the integer code in I32 and carry Scale
// and Offset for converting to/from float on read/write; they use the
// same integer predictor/entropy pipeline as plain i32 tiles.
type Buffer struct {
	Type         Type
	NRows, NCols int
	I32          []int32
	I16          []int16
	F32          []float32
	Scale        float64
	Offset       float64
	FillInt      int32
	FillFloat    float32
}

// New allocates a Buffer of the given type filled with the element's fill
// value.
func New(t Type, nRows, nCols int, fillInt int32, fillFloat float32, scale, offset float64) *Buffer {
	b := &Buffer{Type: t, NRows: nRows, NCols: nCols, Scale: scale, Offset: offset, FillInt: fillInt, FillFloat: fillFloat}
	n := nRows * nCols
	switch t {
	case TypeI32, TypeICF:
		b.I32 = make([]int32, n)
		for i := range b.I32 {
			b.I32[i] = fillInt
		}
	case TypeI16:
		b.I16 = make([]int16, n)
		for i := range b.I16 {
			b.I16[i] = int16(fillInt)
		}
	case TypeF32:
		b.F32 = make([]float32, n)
		for i := range b.F32 {
			b.F32[i] = fillFloat
		}
	}
	return b
}

func (b *Buffer) index(r, c int) int { return r*b.NCols + c }

// GetInt returns the integer value at (r, c). It is valid for TypeI32,
// TypeI16, and TypeICF (the raw integer code, not the decoded float).
func (b *Buffer) GetInt(r, c int) int32 {
	i := b.index(r, c)
	switch b.Type {
	case TypeI32, TypeICF:
		return b.I32[i]
	case TypeI16:
		return int32(b.I16[i])
	default:
		panic("tiledata: GetInt on a float tile")
	}
}

// SetInt writes an integer value at (r, c).
func (b *Buffer) SetInt(r, c int, v int32) {
	i := b.index(r, c)
	switch b.Type {
	case TypeI32, TypeICF:
		b.I32[i] = v
	case TypeI16:
		b.I16[i] = int16(v)
	default:
		panic("tiledata: SetInt on a float tile")
	}
}

// GetFloat returns the floating-point value at (r, c): the native float
// for TypeF32, or the decoded f = i/scale + offset for TypeICF.
func (b *Buffer) GetFloat(r, c int) float32 {
	i := b.index(r, c)
	switch b.Type {
	case TypeF32:
		return b.F32[i]
	case TypeICF:
		return float32(float64(b.I32[i])/b.Scale + b.Offset)
	default:
		panic("tiledata: GetFloat on an integer tile")
	}
}

// SetFloat writes a floating-point value at (r, c), encoding it to the
// integer code for TypeICF.
func (b *Buffer) SetFloat(r, c int, v float32) {
	i := b.index(r, c)
	switch b.Type {
	case TypeF32:
		b.F32[i] = v
	case TypeICF:
		b.I32[i] = int32((float64(v) - b.Offset) * b.Scale)
	default:
		panic("tiledata: SetFloat on an integer tile")
	}
}

// IsFill reports whether every cell in the buffer equals the fill value,
// i.e. the tile is not "significant" on disk (spec.md §3) and may be
// elided from storage entirely.
func (b *Buffer) IsFill() bool {
	switch b.Type {
	case TypeI32, TypeICF:
		for _, v := range b.I32 {
			if v != b.FillInt {
				return false
			}
		}
	case TypeI16:
		fill := int16(b.FillInt)
		for _, v := range b.I16 {
			if v != fill {
				return false
			}
		}
	case TypeF32:
		for _, v := range b.F32 {
			if v != b.FillFloat {
				return false
			}
		}
	}
	return true
}

// Int32View returns the tile's samples as a row-major []int32, the shape
// the predictor package operates on. For TypeF32 it panics: float tiles
// never go through the integer predictor pipeline (see encodeTileRecord in
// the root package).
func (b *Buffer) Int32View() []int32 {
	switch b.Type {
	case TypeI32, TypeICF:
		return b.I32
	case TypeI16:
		out := make([]int32, len(b.I16))
		for i, v := range b.I16 {
			out[i] = int32(v)
		}
		return out
	default:
		panic("tiledata: Int32View on a float tile")
	}
}

// SetFromInt32View writes back values produced by the predictor pipeline,
// narrowing to the buffer's native type.
func (b *Buffer) SetFromInt32View(values []int32) error {
	if len(values) != b.NRows*b.NCols {
		return xerrors.Errorf("tiledata: expected %d values, got %d: %w", b.NRows*b.NCols, len(values), gvrserr.InvalidArgument)
	}
	switch b.Type {
	case TypeI32, TypeICF:
		copy(b.I32, values)
	case TypeI16:
		for i, v := range values {
			b.I16[i] = int16(v)
		}
	default:
		return xerrors.Errorf("tiledata: SetFromInt32View on a float tile: %w", gvrserr.InvalidArgument)
	}
	return nil
}

// RawBytes serializes the buffer in its native on-disk form (little-endian),
// used for the uncompressed tile-record fallback (spec.md §4.5: "A tile
// whose compressed size does not improve on the uncompressed form is
// stored uncompressed").
func (b *Buffer) RawBytes() []byte {
	n := b.NRows * b.NCols
	out := make([]byte, n*b.Type.ByteWidth())
	switch b.Type {
	case TypeI32, TypeICF:
		for i, v := range b.I32 {
			putU32(out[i*4:], uint32(v))
		}
	case TypeI16:
		for i, v := range b.I16 {
			out[i*2] = byte(v)
			out[i*2+1] = byte(v >> 8)
		}
	case TypeF32:
		for i, v := range b.F32 {
			putU32(out[i*4:], math.Float32bits(v))
		}
	}
	return out
}

// LoadRawBytes populates the buffer from bytes produced by RawBytes.
func (b *Buffer) LoadRawBytes(data []byte) error {
	n := b.NRows * b.NCols
	want := n * b.Type.ByteWidth()
	if len(data) != want {
		return xerrors.Errorf("tiledata: raw tile is %d bytes, want %d: %w", len(data), want, gvrserr.IntegrityFailure)
	}
	switch b.Type {
	case TypeI32, TypeICF:
		for i := range b.I32 {
			b.I32[i] = int32(getU32(data[i*4:]))
		}
	case TypeI16:
		for i := range b.I16 {
			b.I16[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		}
	case TypeF32:
		for i := range b.F32 {
			b.F32[i] = math.Float32frombits(getU32(data[i*4:]))
		}
	}
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
