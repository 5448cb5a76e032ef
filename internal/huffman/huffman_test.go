package huffman

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("a"),
		[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		[]byte("the quick brown fox jumps over the lazy dog"),
		bytes.Repeat([]byte{0, 1, 2, 3}, 500),
	}
	for i, c := range cases {
		enc := Encode(c)
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if !bytes.Equal(dec, c) {
			t.Fatalf("case %d: got %q, want %q", i, dec, c)
		}
	}
}

func TestRoundTripRandomBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		n := rng.Intn(4000)
		data := make([]byte, n)
		for j := range data {
			// Skewed distribution so the tree is non-trivial.
			data[j] = byte(rng.Intn(1 + rng.Intn(256)))
		}
		enc := Encode(data)
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("iter %d (n=%d): decode: %v", i, n, err)
		}
		if !bytes.Equal(dec, data) {
			t.Fatalf("iter %d: mismatch", i)
		}
	}
}

func TestDegenerateSingleSymbol(t *testing.T) {
	data := bytes.Repeat([]byte{42}, 1000)
	enc := Encode(data)
	if enc[0] != 0 {
		t.Fatalf("distinct-1 byte = %d, want 0", enc[0])
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, data) {
		t.Fatal("mismatch on degenerate single-symbol input")
	}
}

func TestEmptyInput(t *testing.T) {
	enc := Encode(nil)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(dec) != 0 {
		t.Fatalf("got %v, want empty", dec)
	}
}

func TestAllByteValues(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	enc := Encode(data)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, data) {
		t.Fatal("mismatch with all 256 distinct byte values")
	}
}

func TestDeterministicSerialization(t *testing.T) {
	data := []byte("mississippi river basin statistics")
	a := Encode(data)
	b := Encode(data)
	if !bytes.Equal(a, b) {
		t.Fatal("two encodes of the same input produced different trees")
	}
}
