package gvrs

import (
	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/cache"
	"github.com/gvrs-go/gvrs/internal/codec"
	"github.com/gvrs-go/gvrs/internal/gvrserr"
	"github.com/gvrs-go/gvrs/internal/tiledata"
)

// Accessor is a view onto one element of an open File. Its handle is
// bounded by the File's lifetime (spec.md §3: "Element accessors are
// views; their handles may not outlive the file handle").
type Accessor struct {
	file         *File
	elementIndex int
	element      ElementSpecification
}

func (a *Accessor) checkCoords(row, col int32) error {
	if row < 0 || row >= a.file.header.NRows || col < 0 || col >= a.file.header.NColumns {
		return xerrors.Errorf("gvrs: (%d,%d) out of range [0,%d)x[0,%d): %w",
			row, col, a.file.header.NRows, a.file.header.NColumns, gvrserr.InvalidArgument)
	}
	return nil
}

func (a *Accessor) tileCoords(row, col int32) (tileIndex, rowInTile, colInTile int) {
	tileRow := int(row) / int(a.file.header.TileRows)
	tileCol := int(col) / int(a.file.header.TileCols)
	tilesPerRow := a.file.header.TilesPerRow()
	tileIndex = tileRow*tilesPerRow + tileCol
	rowInTile = int(row) % int(a.file.header.TileRows)
	colInTile = int(col) % int(a.file.header.TileCols)
	return
}

// newTileBuffers allocates one fill-valued Buffer per element for a fresh
// tile.
func (file *File) newTileBuffers() map[int]*tiledata.Buffer {
	buffers := make(map[int]*tiledata.Buffer, len(file.elements))
	for i, e := range file.elements {
		buffers[i] = tiledata.New(tiledata.Type(e.Type), int(file.header.TileRows), int(file.header.TileCols),
			e.FillInt, e.FillFloat, e.Scale, e.Offset)
	}
	return buffers
}

// loadTile returns a cache handle for tileIndex, installing it (from disk
// or freshly created) if it is not already resident. An absent tile is
// materialized as fresh fill-valued buffers. ReadInt and ReadFloat check
// for an absent, non-resident tile themselves and return the fill value
// without calling loadTile.
func (file *File) loadTile(tileIndex int) (cache.Handle, error) {
	file.drainAssistResults()

	if h, ok := file.cache.Lookup(tileIndex); ok {
		return h, nil
	}

	offset := file.tileIndex[tileIndex]
	var buffers map[int]*tiledata.Buffer
	if offset == 0 {
		buffers = file.newTileBuffers()
	} else {
		decoded, err := file.decodeTileRecord(int64(offset))
		if err != nil {
			return cache.Handle{}, err
		}
		buffers = decoded
	}
	h, err := file.cache.Install(tileIndex, buffers, file.writeBackTile)
	if err != nil {
		return cache.Handle{}, err
	}

	if file.assistant != nil {
		if next := tileIndex + 1; next < len(file.tileIndex) {
			file.assistant.Prefetch(next)
		}
	}
	return h, nil
}

// drainAssistResults installs any tiles the reading assistant has
// finished decoding since the last read, opportunistically and without
// blocking (spec.md §5: "hands decoded tiles to the main thread via a
// bounded single-producer/single-consumer handoff"). A decode error is
// not surfaced here; it resurfaces as gvrserr.IntegrityFailure if and
// when the main thread itself tries to read that tile.
func (file *File) drainAssistResults() {
	if file.assistant == nil {
		return
	}
	for {
		select {
		case res := <-file.assistant.Results():
			if res.Err != nil || res.Buffers == nil {
				continue
			}
			if _, resident := file.cache.Lookup(res.TileIndex); resident {
				continue
			}
			file.cache.Install(res.TileIndex, res.Buffers, file.writeBackTile)
		default:
			return
		}
	}
}

// decodeTileRecord reads and decodes the tile record at offset into one
// Buffer per element, reversing encodeTileRecord.
func (file *File) decodeTileRecord(offset int64) (map[int]*tiledata.Buffer, error) {
	_, content, err := file.mgr.Get(offset)
	if err != nil {
		return nil, err
	}
	nElements := len(file.elements)
	if len(content) < 4+4*nElements {
		return nil, xerrors.Errorf("gvrs: tile record truncated: %w", gvrserr.IntegrityFailure)
	}
	lens := make([]uint32, nElements)
	off := 4
	for i := 0; i < nElements; i++ {
		lens[i] = getU32(content[off:])
		off += 4
	}

	buffers := make(map[int]*tiledata.Buffer, nElements)
	nRows, nCols := int(file.header.TileRows), int(file.header.TileCols)
	for i, e := range file.elements {
		buf := tiledata.New(tiledata.Type(e.Type), nRows, nCols, e.FillInt, e.FillFloat, e.Scale, e.Offset)
		if lens[i] == 0 {
			width := buf.Type.ByteWidth()
			raw := content[off : off+nRows*nCols*width]
			if err := buf.LoadRawBytes(raw); err != nil {
				return nil, err
			}
			off += nRows * nCols * width
		} else {
			payload := content[off : off+int(lens[i])]
			off += int(lens[i])
			values, err := codec.DecodeTile(file.codecRegistry, file.backends, payload, nRows, nCols)
			if err != nil {
				return nil, err
			}
			if err := buf.SetFromInt32View(values); err != nil {
				return nil, err
			}
		}
		buffers[i] = buf
	}
	return buffers, nil
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ReadInt returns the integer value at (row, col): TypeInt32, TypeShort,
// or the raw integer code of TypeIntCodedFloat. Cells in an unallocated
// tile read as the element's fill value without touching disk.
func (a *Accessor) ReadInt(row, col int32) (int32, error) {
	if err := a.file.checkOpen(); err != nil {
		return 0, err
	}
	if a.element.Type == TypeFloat {
		return 0, xerrors.Errorf("gvrs: ReadInt on float element %q: %w", a.element.Name, gvrserr.InvalidArgument)
	}
	if err := a.checkCoords(row, col); err != nil {
		return 0, err
	}
	tileIndex, r, c := a.tileCoords(row, col)
	if a.file.tileIndex[tileIndex] == 0 {
		if _, resident := a.file.cache.Lookup(tileIndex); !resident {
			return a.element.FillInt, nil
		}
	}
	h, err := a.file.loadTile(tileIndex)
	if err != nil {
		return 0, err
	}
	buffers, err := a.file.cache.Buffers(h)
	if err != nil {
		return 0, err
	}
	return buffers[a.elementIndex].GetInt(r, c), nil
}

// ReadFloat returns the floating-point value at (row, col): the native
// float for TypeFloat, or the decoded value for TypeIntCodedFloat.
func (a *Accessor) ReadFloat(row, col int32) (float32, error) {
	if err := a.file.checkOpen(); err != nil {
		return 0, err
	}
	if a.element.Type == TypeInt32 || a.element.Type == TypeShort {
		return 0, xerrors.Errorf("gvrs: ReadFloat on integer element %q: %w", a.element.Name, gvrserr.InvalidArgument)
	}
	if err := a.checkCoords(row, col); err != nil {
		return 0, err
	}
	tileIndex, r, c := a.tileCoords(row, col)
	if a.file.tileIndex[tileIndex] == 0 {
		if _, resident := a.file.cache.Lookup(tileIndex); !resident {
			return a.element.FillFloat, nil
		}
	}
	h, err := a.file.loadTile(tileIndex)
	if err != nil {
		return 0, err
	}
	buffers, err := a.file.cache.Buffers(h)
	if err != nil {
		return 0, err
	}
	return buffers[a.elementIndex].GetFloat(r, c), nil
}

// WriteInt writes an integer value at (row, col). Writing the fill value
// into a never-allocated tile is a no-op that never allocates space
// (spec.md §3, §8 property 6).
func (a *Accessor) WriteInt(row, col int32, v int32) error {
	if err := a.file.checkWritable(); err != nil {
		return err
	}
	if a.element.Type == TypeFloat {
		return xerrors.Errorf("gvrs: WriteInt on float element %q: %w", a.element.Name, gvrserr.InvalidArgument)
	}
	if err := a.checkCoords(row, col); err != nil {
		return err
	}
	tileIndex, r, c := a.tileCoords(row, col)
	if a.isAbsent(tileIndex) && v == a.element.FillInt {
		return nil
	}
	h, err := a.file.loadTile(tileIndex)
	if err != nil {
		return err
	}
	buffers, err := a.file.cache.Buffers(h)
	if err != nil {
		return err
	}
	buf := buffers[a.elementIndex]
	if buf.GetInt(r, c) == v {
		return nil
	}
	buf.SetInt(r, c, v)
	return a.file.cache.MarkDirty(h)
}

// WriteFloat writes a floating-point value at (row, col), encoding to the
// integer code for TypeIntCodedFloat elements.
func (a *Accessor) WriteFloat(row, col int32, v float32) error {
	if err := a.file.checkWritable(); err != nil {
		return err
	}
	if a.element.Type == TypeInt32 || a.element.Type == TypeShort {
		return xerrors.Errorf("gvrs: WriteFloat on integer element %q: %w", a.element.Name, gvrserr.InvalidArgument)
	}
	if err := a.checkCoords(row, col); err != nil {
		return err
	}
	tileIndex, r, c := a.tileCoords(row, col)
	if a.isAbsent(tileIndex) && v == a.element.FillFloat {
		return nil
	}
	h, err := a.file.loadTile(tileIndex)
	if err != nil {
		return err
	}
	buffers, err := a.file.cache.Buffers(h)
	if err != nil {
		return err
	}
	buf := buffers[a.elementIndex]
	if buf.GetFloat(r, c) == v {
		return nil
	}
	buf.SetFloat(r, c, v)
	return a.file.cache.MarkDirty(h)
}

func (a *Accessor) isAbsent(tileIndex int) bool {
	if a.file.tileIndex[tileIndex] != 0 {
		return false
	}
	_, resident := a.file.cache.Lookup(tileIndex)
	return !resident
}

// ReadBlockInt reads an nRows x nCols block of integer values starting at
// (row, col), row-major.
func (a *Accessor) ReadBlockInt(row, col, nRows, nCols int32) ([]int32, error) {
	if nRows <= 0 || nCols <= 0 {
		return nil, xerrors.Errorf("gvrs: non-positive block size %dx%d: %w", nRows, nCols, gvrserr.InvalidArgument)
	}
	out := make([]int32, nRows*nCols)
	for dr := int32(0); dr < nRows; dr++ {
		for dc := int32(0); dc < nCols; dc++ {
			v, err := a.ReadInt(row+dr, col+dc)
			if err != nil {
				return nil, err
			}
			out[dr*nCols+dc] = v
		}
	}
	return out, nil
}

// WriteBlock writes an nRows x nCols block of integer values, row-major,
// starting at (row, col).
func (a *Accessor) WriteBlock(row, col, nRows, nCols int32, values []int32) error {
	if nRows <= 0 || nCols <= 0 {
		return xerrors.Errorf("gvrs: non-positive block size %dx%d: %w", nRows, nCols, gvrserr.InvalidArgument)
	}
	if int32(len(values)) != nRows*nCols {
		return xerrors.Errorf("gvrs: block of %dx%d needs %d values, got %d: %w", nRows, nCols, nRows*nCols, len(values), gvrserr.InvalidArgument)
	}
	for dr := int32(0); dr < nRows; dr++ {
		for dc := int32(0); dc < nCols; dc++ {
			if err := a.WriteInt(row+dr, col+dc, values[dr*nCols+dc]); err != nil {
				return err
			}
		}
	}
	return nil
}
