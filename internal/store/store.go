// Package store implements the record manager and space allocator of
// spec.md §4.7: a first-fit free-list allocator over a random-access file,
// with record splitting, adjacent-record coalescing, trailing-free-space
// truncation, and optional per-record CRC-32C integrity.
//
// Unlike an append-only image writer that only ever appends sequentially
// to an io.WriteSeeker, the record manager needs true random access: tiles
// are rewritten in place, freed, and re-allocated throughout a session. It
// is built against io.ReaderAt/io.WriterAt instead, the pair *os.File
// satisfies directly.
package store

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"sort"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

// RecordType identifies the content a record holds, per spec.md §6.
type RecordType uint8

const (
	TypeFree        RecordType = 1
	TypeMetadata    RecordType = 2
	TypeTile        RecordType = 3
	TypeFreeIndex   RecordType = 4
	TypeElementDict RecordType = 5
)

const (
	recordHeaderSize = 8 // size:u32 | type:u8 | pad:u8[3]
	crcSize          = 4

	// minRecordSize is the smallest a record may be: spec.md §3 requires
	// enough content to carry a forward/back pointer if the record is
	// later freed and linked into the free list.
	minRecordSize = 24
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type randomAccessFile interface {
	io.ReaderAt
	io.WriterAt
}

// freeBlock is one entry of the in-memory free list, kept sorted ascending
// by Offset so adjacency (for coalescing) is a neighbor check rather than
// a search.
type freeBlock struct {
	Offset int64
	Size   uint32
}

// Manager owns the allocator state for one open GVRS file: the free list
// and the current end-of-file offset. It does not know about the file
// header or directory records; those live one layer up in
// internal/directory, which calls Put/Get/Update/Free for each record it
// needs.
type Manager struct {
	f          randomAccessFile
	crcEnabled bool
	fileLen    int64
	free       []freeBlock
}

// NewManager wraps f, whose current logical length is fileLen (the offset
// immediately past the last allocated or free record), for allocation
// starting from an empty free list. Callers that are reopening an existing
// file should follow with LoadFreeList.
func NewManager(f randomAccessFile, fileLen int64, crcEnabled bool) *Manager {
	return &Manager{f: f, fileLen: fileLen, crcEnabled: crcEnabled}
}

// FileLen returns the current logical end of the managed file.
func (m *Manager) FileLen() int64 { return m.fileLen }

func roundUp8(n int) int { return (n + 7) &^ 7 }

func (m *Manager) totalSize(contentSize int) int {
	total := recordHeaderSize + contentSize
	if m.crcEnabled {
		total += crcSize
	}
	total = roundUp8(total)
	if total < minRecordSize {
		total = minRecordSize
	}
	return total
}

// Put allocates a new record sized for content and writes it, returning its
// offset. This is the general write path for metadata and tile records.
func (m *Manager) Put(recordType RecordType, content []byte) (int64, error) {
	want := m.totalSize(len(content))
	offset, capacity := m.alloc(want)
	if err := m.writeRecordAt(offset, capacity, recordType, content); err != nil {
		return 0, err
	}
	return offset, nil
}

// alloc implements the four outcomes of spec.md §4.7's allocation
// algorithm: exact fit, split, absorb-trailing-and-extend, and append at
// EOF. It returns the record's offset and its total on-disk size
// (capacity), which may exceed want when the slack from a first-fit match
// was too small to split off as its own free block.
func (m *Manager) alloc(want int) (offset int64, capacity int) {
	for i, blk := range m.free {
		if int(blk.Size) < want {
			continue
		}
		leftover := int(blk.Size) - want
		if leftover == 0 {
			m.free = append(m.free[:i], m.free[i+1:]...)
			return blk.Offset, want
		}
		if leftover >= minRecordSize {
			m.free[i] = freeBlock{Offset: blk.Offset + int64(want), Size: uint32(leftover)}
			return blk.Offset, want
		}
		// Leftover too small to stand alone as a free record: waste it as
		// padding inside the returned record instead.
		m.free = append(m.free[:i], m.free[i+1:]...)
		return blk.Offset, int(blk.Size)
	}

	if n := len(m.free); n > 0 {
		last := m.free[n-1]
		if last.Offset+int64(last.Size) == m.fileLen {
			m.free = m.free[:n-1]
			m.fileLen = last.Offset + int64(want)
			return last.Offset, want
		}
	}

	offset = m.fileLen
	m.fileLen += int64(want)
	return offset, want
}

// writeRecordAt writes a record of exactly size bytes at offset:
// [size:u32][type:u8][pad:u8x3][content][zero pad][crc32c:u32?]. content
// must fit within size minus the header and optional trailing CRC.
func (m *Manager) writeRecordAt(offset int64, size int, recordType RecordType, content []byte) error {
	overhead := recordHeaderSize
	if m.crcEnabled {
		overhead += crcSize
	}
	if len(content) > size-overhead {
		return xerrors.Errorf("store: content of %d bytes does not fit in %d-byte record: %w", len(content), size, gvrserr.InvalidArgument)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	buf[4] = byte(recordType)
	copy(buf[8:], content)
	if m.crcEnabled {
		sum := crc32.Checksum(buf[recordHeaderSize:size-crcSize], crc32cTable)
		binary.LittleEndian.PutUint32(buf[size-crcSize:], sum)
	}

	_, err := m.f.WriteAt(buf, offset)
	if err != nil {
		return xerrors.Errorf("store: writing record at %d: %w", offset, gvrserr.Io)
	}
	return nil
}

// Get reads the record at offset, validating its CRC if enabled.
func (m *Manager) Get(offset int64) (RecordType, []byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := m.f.ReadAt(hdr[:], offset); err != nil {
		return 0, nil, xerrors.Errorf("store: reading record header at %d: %w", offset, gvrserr.Io)
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	recordType := RecordType(hdr[4])
	if size < minRecordSize || size%8 != 0 {
		return 0, nil, xerrors.Errorf("store: record at %d has invalid size %d: %w", offset, size, gvrserr.IntegrityFailure)
	}

	overhead := recordHeaderSize
	if m.crcEnabled {
		overhead += crcSize
	}
	contentCap := int(size) - overhead
	buf := make([]byte, size-recordHeaderSize)
	if _, err := m.f.ReadAt(buf, offset+recordHeaderSize); err != nil {
		return 0, nil, xerrors.Errorf("store: reading record content at %d: %w", offset, gvrserr.Io)
	}

	if m.crcEnabled {
		content := buf[:contentCap]
		want := binary.LittleEndian.Uint32(buf[len(buf)-crcSize:])
		if got := crc32.Checksum(content, crc32cTable); got != want {
			return 0, nil, xerrors.Errorf("store: CRC mismatch for record at %d: %w", offset, gvrserr.IntegrityFailure)
		}
		return recordType, content, nil
	}
	return recordType, buf[:contentCap], nil
}

// sizeAt returns the total on-disk size of the record at offset, without
// validating its CRC (used internally by Update and Free, which only need
// the header).
func (m *Manager) sizeAt(offset int64) (int, error) {
	var hdr [recordHeaderSize]byte
	if _, err := m.f.ReadAt(hdr[:], offset); err != nil {
		return 0, xerrors.Errorf("store: reading record header at %d: %w", offset, gvrserr.Io)
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	if size < minRecordSize || size%8 != 0 {
		return 0, xerrors.Errorf("store: record at %d has invalid size %d: %w", offset, size, gvrserr.IntegrityFailure)
	}
	return int(size), nil
}

// Update rewrites the record at offset with new content, in place if it
// still fits in the existing slot; otherwise a new record is allocated and
// written first, the old record is freed after it, and the new offset is
// returned. Callers (the tile
// cache's write-back path, the tile index) must update any pointer they
// hold to offset when newOffset differs.
func (m *Manager) Update(offset int64, recordType RecordType, content []byte) (newOffset int64, err error) {
	existingSize, err := m.sizeAt(offset)
	if err != nil {
		return 0, err
	}
	want := m.totalSize(len(content))
	if want <= existingSize {
		if err := m.writeRecordAt(offset, existingSize, recordType, content); err != nil {
			return 0, err
		}
		return offset, nil
	}
	newOffset, err = m.Put(recordType, content)
	if err != nil {
		return 0, err
	}
	if err := m.Free(offset); err != nil {
		return 0, err
	}
	return newOffset, nil
}

// Free marks the record at offset as free, coalescing it with an
// immediately adjacent free record on either side, and reclaims it into
// the file length instead of the free list if the coalesced block now
// trails the file (spec.md §8 property 7c: "the last record is never
// free").
func (m *Manager) Free(offset int64) error {
	size, err := m.sizeAt(offset)
	if err != nil {
		return err
	}

	blk := freeBlock{Offset: offset, Size: uint32(size)}
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].Offset >= blk.Offset })

	if i > 0 && m.free[i-1].Offset+int64(m.free[i-1].Size) == blk.Offset {
		blk.Offset = m.free[i-1].Offset
		blk.Size += m.free[i-1].Size
		i--
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
	if i < len(m.free) && blk.Offset+int64(blk.Size) == m.free[i].Offset {
		blk.Size += m.free[i].Size
		m.free = append(m.free[:i], m.free[i+1:]...)
	}

	if blk.Offset+int64(blk.Size) == m.fileLen {
		m.fileLen = blk.Offset
		return nil
	}

	j := sort.Search(len(m.free), func(j int) bool { return m.free[j].Offset >= blk.Offset })
	m.free = append(m.free, freeBlock{})
	copy(m.free[j+1:], m.free[j:])
	m.free[j] = blk
	return m.writeRecordAt(blk.Offset, int(blk.Size), TypeFree, nil)
}

// SerializeFreeList encodes the free list as [count:u32][(offset:u64,
// size:u32) × count] for persistence in a TypeFreeIndex record, per
// spec.md §4.7 ("serialized to a record on close").
func (m *Manager) SerializeFreeList() []byte {
	out := make([]byte, 4+12*len(m.free))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(m.free)))
	off := 4
	for _, blk := range m.free {
		binary.LittleEndian.PutUint64(out[off:], uint64(blk.Offset))
		binary.LittleEndian.PutUint32(out[off+8:], blk.Size)
		off += 12
	}
	return out
}

// LoadFreeList reconstructs the in-memory free list from bytes produced by
// SerializeFreeList, used when reopening an existing file. Bytes after the
// last entry (the record's zero padding, as returned by Get) are ignored.
func (m *Manager) LoadFreeList(data []byte) error {
	if len(data) < 4 {
		return xerrors.Errorf("store: truncated free list record: %w", gvrserr.IntegrityFailure)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	want := 4 + 12*int(count)
	if len(data) < want {
		return xerrors.Errorf("store: free list record is %d bytes, want %d: %w", len(data), want, gvrserr.IntegrityFailure)
	}
	free := make([]freeBlock, count)
	off := 4
	for i := range free {
		free[i] = freeBlock{
			Offset: int64(binary.LittleEndian.Uint64(data[off:])),
			Size:   binary.LittleEndian.Uint32(data[off+8:]),
		}
		off += 12
	}
	m.free = free
	return nil
}
