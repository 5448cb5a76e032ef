package gvrs

import (
	"path/filepath"
	"testing"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

func newTestSpec(t *testing.T) *GridSpecification {
	t.Helper()
	spec, err := NewGridSpecification(100, 100, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := spec.AddElement(NewIntElement("elevation", -9999)); err != nil {
		t.Fatal(err)
	}
	if err := spec.AddElement(NewFloatElement("slope", 0)); err != nil {
		t.Fatal(err)
	}
	return spec
}

// TestCreateOpenRoundTrip covers spec.md §8 scenario S1: a single write
// into an otherwise untouched tile, a close, and a reopen that reads the
// same value back.
func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")

	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	elev, err := f.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	if err := elev.WriteInt(5, 5, 1234); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(path, ModeReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	elev2, err := f2.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	v, err := elev2.ReadInt(5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1234 {
		t.Fatalf("got %d, want 1234", v)
	}
	// An untouched cell in the same tile still reads as the fill value.
	v, err = elev2.ReadInt(5, 6)
	if err != nil {
		t.Fatal(err)
	}
	if v != -9999 {
		t.Fatalf("got %d, want fill value -9999", v)
	}
}

// TestFillValueElision covers spec.md §8 property 6: writing the fill
// value into a never-touched tile must not allocate a record for it, so
// its tile index entry stays zero.
func TestFillValueElision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	elev, err := f.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	if err := elev.WriteInt(20, 20, -9999); err != nil {
		t.Fatal(err)
	}
	if f.tileIndex[f.header.TilesPerRow()*2+2] != 0 {
		t.Fatal("writing the fill value must not allocate a tile record")
	}
}

// TestSecondTileAllocation covers spec.md §8 scenario S2: touching a
// second tile allocates a new record without disturbing the first.
func TestSecondTileAllocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	elev, err := f.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	if err := elev.WriteInt(1, 1, 10); err != nil {
		t.Fatal(err)
	}
	if err := elev.WriteInt(50, 50, 20); err != nil {
		t.Fatal(err)
	}
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}

	v1, err := elev.ReadInt(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := elev.ReadInt(50, 50)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != 10 || v2 != 20 {
		t.Fatalf("got %d, %d, want 10, 20", v1, v2)
	}
}

// TestCacheEviction covers spec.md §8 property 5: forcing the cache down
// to a single slot still preserves writes across evictions, because an
// evicted dirty tile is written back before its slot is reused.
func TestCacheEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.SetTileCacheSize(1); err != nil {
		t.Fatal(err)
	}

	elev, err := f.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	if err := elev.WriteInt(1, 1, 111); err != nil {
		t.Fatal(err)
	}
	// Touching a second tile evicts the first from a one-slot cache.
	if err := elev.WriteInt(50, 50, 222); err != nil {
		t.Fatal(err)
	}
	v, err := elev.ReadInt(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 111 {
		t.Fatalf("got %d, want 111 after eviction round trip", v)
	}
}

// TestElementTypeMismatch checks that reading or writing an element
// through the wrong accessor method fails with gvrserr.InvalidArgument
// instead of panicking.
func TestElementTypeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	slope, err := f.Element("slope")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := slope.ReadInt(0, 0); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument", err)
	}
	if err := slope.WriteInt(0, 0, 1); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument", err)
	}
}

// TestMetadataRoundTrip covers store/retrieve/delete of an opaque
// metadata record.
func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.StoreMetadata("provenance", 1, []byte("source=lidar")); err != nil {
		t.Fatal(err)
	}
	got, err := f.Metadata("provenance", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "source=lidar" {
		t.Fatalf("got %q, want %q", got, "source=lidar")
	}

	// Replacing an existing key keeps a single entry.
	if err := f.StoreMetadata("provenance", 1, []byte("source=radar")); err != nil {
		t.Fatal(err)
	}
	got, err = f.Metadata("provenance", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "source=radar" {
		t.Fatalf("got %q after replace, want %q", got, "source=radar")
	}

	if err := f.DeleteMetadata("provenance", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Metadata("provenance", 1); !gvrserr.Is(err, gvrserr.NotFound) {
		t.Fatalf("got %v, want NotFound after delete", err)
	}
}

// TestMetadataSurvivesReopen checks that metadata persists across Close
// and Open, exercising the metadata dictionary's own flush path.
func TestMetadataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.StoreMetadata("units", 0, []byte("meters")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(path, ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	got, err := f2.Metadata("units", 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "meters" {
		t.Fatalf("got %q, want %q", got, "meters")
	}
}

// TestReadOnlyRejectsWrites checks that a ModeRead handle refuses
// mutation.
func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(path, ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	elev, err := f2.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	if err := elev.WriteInt(0, 0, 5); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument on read-only write", err)
	}
	if err := f2.StoreMetadata("x", 0, nil); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument on read-only metadata write", err)
	}
}

// TestCompressedRoundTrip exercises the tile codec orchestrator through
// the public API with compression enabled.
func TestCompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	spec, err := NewGridSpecification(64, 64, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := spec.AddElement(NewIntElement("band", 0)); err != nil {
		t.Fatal(err)
	}
	spec.Compression = CompressionSpecification{Enabled: true}
	spec.ChecksumEnabled = true

	f, err := Create(path, spec)
	if err != nil {
		t.Fatal(err)
	}
	band, err := f.Element("band")
	if err != nil {
		t.Fatal(err)
	}
	for r := int32(0); r < 16; r++ {
		for c := int32(0); c < 16; c++ {
			if err := band.WriteInt(r, c, r*16+c); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(path, ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	band2, err := f2.Element("band")
	if err != nil {
		t.Fatal(err)
	}
	for r := int32(0); r < 16; r++ {
		for c := int32(0); c < 16; c++ {
			v, err := band2.ReadInt(r, c)
			if err != nil {
				t.Fatal(err)
			}
			if v != r*16+c {
				t.Fatalf("(%d,%d): got %d, want %d", r, c, v, r*16+c)
			}
		}
	}
}

// TestBlockReadWrite covers the bulk accessor methods.
func TestBlockReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	elev, err := f.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	values := make([]int32, 5*5)
	for i := range values {
		values[i] = int32(i)
	}
	if err := elev.WriteBlock(2, 2, 5, 5, values); err != nil {
		t.Fatal(err)
	}
	got, err := elev.ReadBlockInt(2, 2, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("index %d: got %d, want %d", i, got[i], values[i])
		}
	}
}

// TestMultiThreadReadEnabled exercises the background reading assistant's
// lifecycle through the public API: it must not change the values a
// caller reads, and Close must not hang or error because of it.
func TestMultiThreadReadEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	f, err := Create(path, newTestSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	elev, err := f.Element("elevation")
	if err != nil {
		t.Fatal(err)
	}
	for i := int32(0); i < 5; i++ {
		if err := elev.WriteInt(i*10, i*10, i+1); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := f.SetMultiThreadReadEnabled(true); err != nil {
		t.Fatal(err)
	}
	for i := int32(0); i < 5; i++ {
		v, err := elev.ReadInt(i*10, i*10)
		if err != nil {
			t.Fatal(err)
		}
		if v != i+1 {
			t.Fatalf("got %d, want %d", v, i+1)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestInvalidGridSpecification checks that malformed specs are rejected
// before touching disk.
func TestInvalidGridSpecification(t *testing.T) {
	if _, err := NewGridSpecification(0, 10, 1, 1); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument for non-positive extents", err)
	}
	spec, err := NewGridSpecification(10, 10, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := spec.AddElement(NewIntCodedFloatElement("x", 0, 0, 0)); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument for zero scale", err)
	}
}

// TestCreateRejectsEmptySpec checks that Create refuses a spec with no
// elements.
func TestCreateRejectsEmptySpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.gvrs")
	spec, err := NewGridSpecification(10, 10, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Create(path, spec); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument for an element-less spec", err)
	}
}
