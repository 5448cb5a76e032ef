package codec

import (
	"math/rand"
	"testing"

	"github.com/gvrs-go/gvrs/internal/backend"
	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

func rampTile(nRows, nCols int) []int32 {
	out := make([]int32, nRows*nCols)
	for r := 0; r < nRows; r++ {
		for c := 0; c < nCols; c++ {
			out[r*nCols+c] = int32(r + c)
		}
	}
	return out
}

func randomTile(rng *rand.Rand, nRows, nCols int, scale int32) []int32 {
	out := make([]int32, nRows*nCols)
	for i := range out {
		out[i] = int32(rng.Intn(int(2*scale+1))) - scale
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	backends := backend.NewRegistry()
	family := StandardFamily([]backend.ID{backend.Huffman, backend.Deflate, backend.BZip2})
	reg := NewRegistry(family)

	const nRows, nCols = 10, 10
	values := rampTile(nRows, nCols)
	uncompressed := nRows * nCols * 4

	encoded, ok, err := EncodeTile(backends, family, values, nRows, nCols, false, uncompressed)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a linear ramp to compress below its raw size")
	}

	got, err := DecodeTile(reg, backends, encoded, nRows, nCols)
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("cell %d: got %d, want %d", i, got[i], values[i])
		}
	}
}

func TestEncodeDecodeRoundTripWithValueCRC(t *testing.T) {
	backends := backend.NewRegistry()
	family := StandardFamily([]backend.ID{backend.Deflate})
	reg := NewRegistry(family)

	rng := rand.New(rand.NewSource(9))
	const nRows, nCols = 8, 8
	values := randomTile(rng, nRows, nCols, 5)
	uncompressed := nRows * nCols * 4

	encoded, ok, err := EncodeTile(backends, family, values, nRows, nCols, true, uncompressed)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Skip("tile did not compress below raw size; nothing to decode")
	}

	got, err := DecodeTile(reg, backends, encoded, nRows, nCols)
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("cell %d: got %d, want %d", i, got[i], values[i])
		}
	}
}

func TestEncodeFallsBackToUncompressedOnNoise(t *testing.T) {
	backends := backend.NewRegistry()
	family := StandardFamily([]backend.ID{backend.Huffman, backend.Deflate, backend.BZip2})

	rng := rand.New(rand.NewSource(11))
	const nRows, nCols = 8, 8
	values := make([]int32, nRows*nCols)
	for i := range values {
		values[i] = rng.Int31()
	}
	uncompressed := nRows * nCols * 4

	if _, ok, err := EncodeTile(backends, family, values, nRows, nCols, false, uncompressed); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Log("high-entropy tile unexpectedly compressed; not a failure, just noting it")
	}
}

func TestDecodeUnknownCodecID(t *testing.T) {
	backends := backend.NewRegistry()
	reg := NewRegistry(StandardFamily([]backend.ID{backend.Huffman}))

	data := []byte{99, byte(1), byte(backend.Huffman), 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := DecodeTile(reg, backends, data, 4, 4); !gvrserr.Is(err, gvrserr.UnsupportedCodec) {
		t.Fatalf("expected UnsupportedCodec, got %v", err)
	}
}

func TestDecodeUnknownBackendID(t *testing.T) {
	backends := backend.NewRegistry(backend.All[0]) // huffman only
	family := StandardFamily([]backend.ID{backend.Huffman, backend.Deflate})
	reg := NewRegistry(family)

	values := rampTile(10, 10)
	full := backend.NewRegistry()
	encoded, ok, err := EncodeTile(full, family, values, 10, 10, false, 400)
	if err != nil || !ok {
		t.Fatalf("setup encode failed: ok=%v err=%v", ok, err)
	}
	// Force the backend id byte to Deflate, which the decode-time registry
	// does not carry.
	encoded[2] = byte(backend.Deflate)

	if _, err := DecodeTile(reg, backends, encoded, 10, 10); !gvrserr.Is(err, gvrserr.UnsupportedCodecBackend) && !gvrserr.Is(err, gvrserr.IntegrityFailure) {
		t.Fatalf("expected UnsupportedCodecBackend or IntegrityFailure, got %v", err)
	}
}

func TestDecodeRejectsReservedFlagBits(t *testing.T) {
	backends := backend.NewRegistry()
	family := StandardFamily([]backend.ID{backend.Deflate})
	reg := NewRegistry(family)

	values := rampTile(10, 10)
	encoded, ok, err := EncodeTile(backends, family, values, 10, 10, false, 400)
	if err != nil || !ok {
		t.Fatalf("setup encode failed: ok=%v err=%v", ok, err)
	}

	flagsOffset := 7 // no predictor params for differencing/linear/triangle; optimal adds its coefficients below
	pid := encoded[1]
	if pid == 4 {
		flagsOffset += 32
	} else if pid == 5 {
		flagsOffset += 48
	}
	flagsOffset += 8 // initLen + interiorLen
	encoded[flagsOffset] |= 0x01

	if _, err := DecodeTile(reg, backends, encoded, 10, 10); !gvrserr.Is(err, gvrserr.IntegrityFailure) {
		t.Fatalf("expected IntegrityFailure for reserved flag bit, got %v", err)
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	backends := backend.NewRegistry()
	reg := NewRegistry(StandardFamily([]backend.ID{backend.Huffman}))
	if _, err := DecodeTile(reg, backends, []byte{1, 1, 1}, 4, 4); !gvrserr.Is(err, gvrserr.IntegrityFailure) {
		t.Fatalf("expected IntegrityFailure, got %v", err)
	}
}
