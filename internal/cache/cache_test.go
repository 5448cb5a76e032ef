package cache

import (
	"testing"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
	"github.com/gvrs-go/gvrs/internal/tiledata"
)

func oneBuffer() map[int]*tiledata.Buffer {
	return map[int]*tiledata.Buffer{0: tiledata.New(tiledata.TypeI32, 2, 2, -9999, 0, 1, 0)}
}

func TestLookupPromotesToMRU(t *testing.T) {
	c := New(2)
	h0, err := c.Install(0, oneBuffer(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Install(1, oneBuffer(), nil); err != nil {
		t.Fatal(err)
	}
	// Touch tile 0 so it becomes MRU; installing a third tile should then
	// evict tile 1, not tile 0.
	if _, ok := c.Lookup(0); !ok {
		t.Fatal("expected tile 0 to be resident")
	}
	if _, err := c.Install(2, oneBuffer(), nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(1); ok {
		t.Fatal("expected tile 1 to have been evicted as LRU")
	}
	if _, err := c.Buffers(h0); err != nil {
		t.Fatalf("tile 0 should still be resident and its handle valid: %v", err)
	}
}

func TestEvictionWritesBackDirtyTile(t *testing.T) {
	c := New(1)
	h, err := c.Install(0, oneBuffer(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MarkDirty(h); err != nil {
		t.Fatal(err)
	}

	writtenBack := -1
	wb := func(tileIndex int, buffers map[int]*tiledata.Buffer) error {
		writtenBack = tileIndex
		return nil
	}
	if _, err := c.Install(1, oneBuffer(), wb); err != nil {
		t.Fatal(err)
	}
	if writtenBack != 0 {
		t.Fatalf("expected tile 0 to be written back on eviction, got %d", writtenBack)
	}
}

func TestStaleHandleAfterEviction(t *testing.T) {
	c := New(1)
	h, err := c.Install(0, oneBuffer(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Install(1, oneBuffer(), func(int, map[int]*tiledata.Buffer) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Buffers(h); !gvrserr.Is(err, gvrserr.InvalidArgument) {
		t.Fatalf("expected a stale-handle error, got %v", err)
	}
}

func TestEvictingDirtyTileWithNoWriteBackConfiguredFails(t *testing.T) {
	c := New(1)
	h, err := c.Install(0, oneBuffer(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MarkDirty(h); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Install(1, oneBuffer(), nil); err == nil {
		t.Fatal("expected an error evicting a dirty tile with wb=nil")
	}
}

func TestFlushWritesBackInAscendingTileIndexOrder(t *testing.T) {
	c := New(8)
	var order []int
	for _, ti := range []int{5, 1, 3} {
		h, err := c.Install(ti, oneBuffer(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.MarkDirty(h); err != nil {
			t.Fatal(err)
		}
	}
	err := c.Flush(func(tileIndex int, buffers map[int]*tiledata.Buffer) error {
		order = append(order, tileIndex)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 3, 5}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestCacheSizeOneForcesEvictionOnEveryInstall(t *testing.T) {
	// spec.md §8 property 5: writes observed by subsequent reads even
	// across forced cache evictions caused by cache-size-of-1 configs.
	c := New(1)
	writes := 0
	wb := func(tileIndex int, buffers map[int]*tiledata.Buffer) error {
		writes++
		return nil
	}
	for ti := 0; ti < 5; ti++ {
		h, err := c.Install(ti, oneBuffer(), wb)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.MarkDirty(h); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.EvictAll(wb); err != nil {
		t.Fatal(err)
	}
	if writes != 5 {
		t.Fatalf("expected every one of the 5 tiles to be written back exactly once, got %d", writes)
	}
}
