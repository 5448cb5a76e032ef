// Package cache implements the bounded tile cache of spec.md §4.6: an LRU
// of decoded tiles with a dirty bit, writing back through the codec and
// record manager on eviction or flush.
//
// Per spec.md §9's design note on "tile cache with back-pointers to the
// owning file and reverse navigation on eviction", entries live in an
// arena (a slice of slots) and accessors hold a (slot index, generation)
// token rather than a pointer into the cache; eviction bumps the evicted
// slot's generation so a stale token is detected rather than silently
// reading the wrong tile.
package cache

import (
	"container/list"
	"sort"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
	"github.com/gvrs-go/gvrs/internal/tiledata"
)

// Canonical cache sizes, spec.md §4.6.
const (
	SizeSmall  = 4
	SizeMedium = 16
)

// LargeSize returns the canonical "large" cache size: enough slots for one
// full row or column of tiles, whichever is larger, so either a row-major
// or column-major sweep of the grid never evicts a tile it will revisit
// within the same sweep.
func LargeSize(tilesPerRow, tilesPerColumn int) int {
	if tilesPerRow > tilesPerColumn {
		return tilesPerRow
	}
	return tilesPerColumn
}

// Handle is an accessor's non-owning reference to a cached tile. It is
// valid only as long as Generation matches the slot's current generation;
// once the slot is evicted and reused the generation is bumped and the
// handle becomes stale (spec.md §3: "the accessor holds a non-owning
// handle whose validity is bounded by the next cache eviction on that
// tile").
type Handle struct {
	index      int
	generation uint32
}

type slot struct {
	tileIndex  int
	generation uint32
	inUse      bool
	dirty      bool
	buffers    map[int]*tiledata.Buffer
	lruElem    *list.Element
}

// WriteBack is called with the per-element buffers of a dirty tile being
// evicted or flushed; it is the cache's only interaction with the codec
// orchestrator and record manager, both of which live above this package.
type WriteBack func(tileIndex int, buffers map[int]*tiledata.Buffer) error

// Cache is a bounded, fixed-capacity LRU of decoded tiles. At most one
// entry exists per tileIndex (spec.md §4.6 invariant).
type Cache struct {
	capacity int
	slots    []slot
	freeList []int
	byTile   map[int]int
	lru      *list.List
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{capacity: capacity, byTile: make(map[int]int), lru: list.New()}
}

func (c *Cache) Capacity() int { return c.capacity }

// Lookup returns the handle for an already-resident tile, promoting it to
// most-recently-used.
func (c *Cache) Lookup(tileIndex int) (Handle, bool) {
	idx, ok := c.byTile[tileIndex]
	if !ok {
		return Handle{}, false
	}
	s := &c.slots[idx]
	c.lru.MoveToFront(s.lruElem)
	return Handle{index: idx, generation: s.generation}, true
}

// Install inserts a freshly loaded tile as most-recently-used, evicting
// the least-recently-used slot first if the cache is at capacity. If the
// evicted slot was dirty, wb is invoked to write it back before its space
// is reused.
func (c *Cache) Install(tileIndex int, buffers map[int]*tiledata.Buffer, wb WriteBack) (Handle, error) {
	if _, exists := c.byTile[tileIndex]; exists {
		return Handle{}, xerrors.Errorf("cache: tile %d already resident: %w", tileIndex, gvrserr.InvalidArgument)
	}

	idx, err := c.reserveSlot(wb)
	if err != nil {
		return Handle{}, err
	}

	s := &c.slots[idx]
	s.tileIndex = tileIndex
	s.buffers = buffers
	s.dirty = false
	s.inUse = true
	s.lruElem = c.lru.PushFront(idx)
	c.byTile[tileIndex] = idx
	return Handle{index: idx, generation: s.generation}, nil
}

func (c *Cache) reserveSlot(wb WriteBack) (int, error) {
	if n := len(c.freeList); n > 0 {
		idx := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		return idx, nil
	}
	if len(c.slots) < c.capacity {
		c.slots = append(c.slots, slot{})
		return len(c.slots) - 1, nil
	}

	back := c.lru.Back()
	evictIdx := back.Value.(int)
	evicted := &c.slots[evictIdx]
	if evicted.dirty {
		if wb == nil {
			return 0, xerrors.Errorf("cache: evicting dirty tile %d with no write-back configured: %w", evicted.tileIndex, gvrserr.InvalidArgument)
		}
		if err := wb(evicted.tileIndex, evicted.buffers); err != nil {
			return 0, err
		}
	}
	delete(c.byTile, evicted.tileIndex)
	c.lru.Remove(back)
	evicted.generation++
	evicted.inUse = false
	evicted.dirty = false
	evicted.buffers = nil
	return evictIdx, nil
}

// Buffers returns the per-element tile buffers for h, promoting it to
// most-recently-used, or an error if h is stale (the tile it referred to
// has since been evicted).
func (c *Cache) Buffers(h Handle) (map[int]*tiledata.Buffer, error) {
	s, err := c.resolve(h)
	if err != nil {
		return nil, err
	}
	c.lru.MoveToFront(s.lruElem)
	return s.buffers, nil
}

// MarkDirty sets h's dirty bit; called by the element accessor after any
// write to a cell in the referenced tile.
func (c *Cache) MarkDirty(h Handle) error {
	s, err := c.resolve(h)
	if err != nil {
		return err
	}
	s.dirty = true
	return nil
}

func (c *Cache) resolve(h Handle) (*slot, error) {
	if h.index < 0 || h.index >= len(c.slots) {
		return nil, xerrors.Errorf("cache: handle out of range: %w", gvrserr.InvalidArgument)
	}
	s := &c.slots[h.index]
	if !s.inUse || s.generation != h.generation {
		return nil, xerrors.Errorf("cache: stale tile handle: %w", gvrserr.InvalidArgument)
	}
	return s, nil
}

// Flush writes back every dirty tile in ascending tileIndex order, per
// spec.md §4.6's flush invariant, clearing each one's dirty bit as it
// succeeds. The allocator/tile-index persistence that must follow a flush
// is the caller's responsibility, one layer up.
func (c *Cache) Flush(wb WriteBack) error {
	var dirty []int
	for tileIndex, idx := range c.byTile {
		if c.slots[idx].dirty {
			dirty = append(dirty, tileIndex)
		}
	}
	sort.Ints(dirty)
	for _, tileIndex := range dirty {
		idx := c.byTile[tileIndex]
		if err := wb(tileIndex, c.slots[idx].buffers); err != nil {
			return err
		}
		c.slots[idx].dirty = false
	}
	return nil
}

// EvictAll writes back every dirty tile in ascending tileIndex order, then
// evicts every resident tile. Used on Close.
func (c *Cache) EvictAll(wb WriteBack) error {
	if err := c.Flush(wb); err != nil {
		return err
	}
	for tileIndex, idx := range c.byTile {
		s := &c.slots[idx]
		c.lru.Remove(s.lruElem)
		s.inUse = false
		s.buffers = nil
		s.generation++
		c.freeList = append(c.freeList, idx)
		delete(c.byTile, tileIndex)
	}
	return nil
}
