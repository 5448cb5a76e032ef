package bitstream

import (
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	type step struct {
		n uint
		v uint32
	}
	rng := rand.New(rand.NewSource(1))
	steps := make([]step, 2000)
	for i := range steps {
		n := uint(1 + rng.Intn(32))
		v := rng.Uint32() & mask(n)
		steps[i] = step{n, v}
	}

	w := NewWriter(0)
	for _, s := range steps {
		w.WriteBits(s.v, s.n)
	}

	r := NewReader(w.Bytes())
	for i, s := range steps {
		got, err := r.ReadBits(s.n)
		if err != nil {
			t.Fatalf("step %d: ReadBits(%d): %v", i, s.n, err)
		}
		if got != s.v {
			t.Fatalf("step %d: ReadBits(%d) = %#x, want %#x", i, s.n, got, s.v)
		}
	}
}

func TestSingleBits(t *testing.T) {
	w := NewWriter(0)
	bits := []uint32{1, 0, 1, 1, 0, 0, 0, 1, 1, 0}
	for _, b := range bits {
		w.WriteBit(b)
	}
	r := NewReader(w.Bytes())
	for i, b := range bits {
		got, err := r.ReadBit()
		if err != nil {
			t.Fatalf("bit %d: %v", i, err)
		}
		if got != b {
			t.Fatalf("bit %d = %v, want %v", i, got, b)
		}
	}
}

func TestReadPastEndFails(t *testing.T) {
	w := NewWriter(0)
	w.WriteBits(0b101, 3)
	r := NewReader(w.Bytes())
	if _, err := r.ReadBits(3); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := r.ReadBits(1); err == nil {
		t.Fatal("expected error reading past end")
	}
}

func TestFixedSequence(t *testing.T) {
	w := NewWriter(0)
	w.WriteBits(0b101, 3)
	w.WriteBits(0b11010, 5)
	w.WriteBits(0xABC, 12)
	r := NewReader(w.Bytes())
	for _, tc := range []struct {
		n uint
		v uint32
	}{{3, 0b101}, {5, 0b11010}, {12, 0xABC}} {
		got, err := r.ReadBits(tc.n)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.v {
			t.Fatalf("ReadBits(%d) = %#x, want %#x", tc.n, got, tc.v)
		}
	}
}
