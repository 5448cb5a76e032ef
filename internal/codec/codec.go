// Package codec implements the tile codec orchestrator of spec.md §4.5: for
// a dirty tile it tries every configured (predictor, backend) pair and
// keeps whichever produces the smallest encoding, falling back to an
// uncompressed tile when nothing improves on that. Decoding dispatches on
// the one-byte codec id recorded in the tile header.
package codec

import (
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/backend"
	"github.com/gvrs-go/gvrs/internal/gvrserr"
	"github.com/gvrs-go/gvrs/internal/m32"
	"github.com/gvrs-go/gvrs/internal/predictor"
)

// crc32cTable is the Castagnoli CRC-32C table used here for the optional
// original-value checksum embedded in a compressed tile, per spec.md §6.
// internal/store builds its own table with the same polynomial for
// per-record integrity.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Family is a registered codec: the one-byte id a tile header's codecId
// names, and the predictor/backend sets an encoder is allowed to try and a
// decoder is allowed to accept (spec.md GLOSSARY: "Codec id ... selects a
// (predictor-set, backend-set) family").
type Family struct {
	ID         byte
	Name       string
	Predictors []predictor.ID
	Backends   []backend.ID
}

// StandardFamily is the default codec family: every predictor GVRS
// implements against every registered backend.
const StandardFamilyID byte = 1

func StandardFamily(backends []backend.ID) Family {
	return Family{
		ID:   StandardFamilyID,
		Name: "standard",
		Predictors: []predictor.ID{
			predictor.Differencing, predictor.Linear, predictor.Triangle,
			predictor.Optimal8, predictor.Optimal12,
		},
		Backends: backends,
	}
}

// Registry maps codec ids to families, checked against on tile decode
// (spec.md §4.5: "Unknown codec IDs are a hard failure on read").
type Registry struct {
	byID map[byte]Family
}

func NewRegistry(families ...Family) *Registry {
	r := &Registry{byID: make(map[byte]Family, len(families))}
	for _, f := range families {
		r.byID[f.ID] = f
	}
	return r
}

func (r *Registry) Get(id byte) (Family, error) {
	f, ok := r.byID[id]
	if !ok {
		return Family{}, xerrors.Errorf("codec id %d: %w", id, gvrserr.UnsupportedCodec)
	}
	return f, nil
}

const (
	flagValueCRCIncluded = 1 << 7
	flagsReservedMask    = ^byte(flagValueCRCIncluded)
)

// EncodeTile tries every (predictor, backend) pair in family against
// values (a row-major tile of nRows x nCols integer samples) and returns
// the smallest encoding, or (nil, false) if nothing beats storing values
// uncompressed (the caller then writes values' raw bytes with a
// perElementLen of 0, per spec.md §4.5).
func EncodeTile(backends *backend.Registry, family Family, values []int32, nRows, nCols int, includeValueCRC bool, uncompressedSize int) ([]byte, bool, error) {
	var best []byte

	for _, pid := range family.Predictors {
		p, err := predictor.ByID(pid)
		if err != nil {
			continue
		}
		if nRows < p.MinRows() || nCols < p.MinCols() {
			continue
		}
		res, err := p.Encode(values, nRows, nCols)
		if err != nil {
			continue // try next predictor; encoding failures are never fatal
		}
		initM32 := encodeM32Stream(res.Initializer)
		interiorM32 := encodeM32Stream(res.Interior)

		for _, bid := range family.Backends {
			b, err := backends.Get(bid)
			if err != nil {
				continue
			}
			compInit, err := b.Encode(initM32)
			if err != nil {
				continue
			}
			compInterior, err := b.Encode(interiorM32)
			if err != nil {
				continue
			}
			candidate := assembleHeader(family.ID, pid, bid, res.Seed, res.Params, compInit, compInterior, includeValueCRC, values)
			if best == nil || len(candidate) < len(best) {
				best = candidate
			}
		}
	}

	if best == nil || len(best) >= uncompressedSize {
		return nil, false, nil
	}
	return best, true, nil
}

func encodeM32Stream(values []int32) []byte {
	out := make([]byte, 0, len(values)*2)
	for _, v := range values {
		out = m32.Encode(out, v)
	}
	return out
}

func assembleHeader(codecID byte, pid predictor.ID, bid backend.ID, seed int32, params, compInit, compInterior []byte, includeValueCRC bool, originalValues []int32) []byte {
	flags := byte(0)
	if includeValueCRC {
		flags |= flagValueCRCIncluded
	}

	out := make([]byte, 0, 11+len(params)+8+1+len(compInit)+len(compInterior)+4)
	out = append(out, codecID, byte(pid), byte(bid))
	out = appendI32(out, seed)
	out = append(out, params...)
	out = appendU32(out, uint32(len(compInit)))
	out = appendU32(out, uint32(len(compInterior)))
	out = append(out, flags)
	out = append(out, compInit...)
	out = append(out, compInterior...)
	if includeValueCRC {
		out = appendU32(out, valueCRC(originalValues))
	}
	return out
}

func valueCRC(values []int32) uint32 {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return crc32.Checksum(buf, crc32cTable)
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendI32(dst []byte, v int32) []byte {
	return appendU32(dst, uint32(v))
}

// DecodeTile reverses EncodeTile, dispatching on the codec id embedded in
// data. A codec id not present in reg is a hard failure
// (gvrserr.UnsupportedCodec); a backend id not present in backends surfaces
// gvrserr.UnsupportedCodecBackend. Any other malformed input surfaces
// gvrserr.IntegrityFailure.
func DecodeTile(reg *Registry, backends *backend.Registry, data []byte, nRows, nCols int) ([]int32, error) {
	if len(data) < 11 {
		return nil, xerrors.Errorf("codec: tile header truncated: %w", gvrserr.IntegrityFailure)
	}
	codecID := data[0]
	pid := predictor.ID(data[1])
	bid := backend.ID(data[2])
	seed := int32(binary.LittleEndian.Uint32(data[3:7]))

	family, err := reg.Get(codecID)
	if err != nil {
		return nil, err
	}

	p, err := predictor.ByID(pid)
	if err != nil {
		return nil, xerrors.Errorf("codec: %w", err)
	}
	paramsLen := 0
	if pid == predictor.Optimal8 {
		paramsLen = 8 * 4
	} else if pid == predictor.Optimal12 {
		paramsLen = 12 * 4
	}

	off := 7
	if off+paramsLen+9 > len(data) {
		return nil, xerrors.Errorf("codec: tile header truncated: %w", gvrserr.IntegrityFailure)
	}
	params := data[off : off+paramsLen]
	off += paramsLen

	initLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	interiorLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	flags := data[off]
	off += 1

	if flags&flagsReservedMask != 0 {
		return nil, xerrors.Errorf("codec: reserved flag bits set: %w", gvrserr.IntegrityFailure)
	}
	includeValueCRC := flags&flagValueCRCIncluded != 0

	if off+int(initLen)+int(interiorLen) > len(data) {
		return nil, xerrors.Errorf("codec: compressed streams truncated: %w", gvrserr.IntegrityFailure)
	}
	compInit := data[off : off+int(initLen)]
	off += int(initLen)
	compInterior := data[off : off+int(interiorLen)]
	off += int(interiorLen)

	b, err := backends.Get(bid)
	if err != nil {
		return nil, err
	}
	initM32, err := b.Decode(compInit)
	if err != nil {
		return nil, xerrors.Errorf("codec: decoding initializer stream: %w", gvrserr.IntegrityFailure)
	}
	interiorM32, err := b.Decode(compInterior)
	if err != nil {
		return nil, xerrors.Errorf("codec: decoding interior stream: %w", gvrserr.IntegrityFailure)
	}
	initValues, err := m32.DecodeAll(initM32)
	if err != nil {
		return nil, err
	}
	interiorValues, err := m32.DecodeAll(interiorM32)
	if err != nil {
		return nil, err
	}

	values, err := p.Decode(predictor.Result{
		Seed:        seed,
		Params:      params,
		Initializer: initValues,
		Interior:    interiorValues,
	}, nRows, nCols)
	if err != nil {
		return nil, err
	}

	if includeValueCRC {
		if off+4 > len(data) {
			return nil, xerrors.Errorf("codec: missing value CRC: %w", gvrserr.IntegrityFailure)
		}
		want := binary.LittleEndian.Uint32(data[off : off+4])
		if got := valueCRC(values); got != want {
			return nil, xerrors.Errorf("codec: value CRC mismatch: %w", gvrserr.IntegrityFailure)
		}
	}

	_ = family // family membership of pid/bid is enforced at encode time
	return values, nil
}
